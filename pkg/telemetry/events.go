package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence in a run or on a managed object.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Stage is the associated stage name, if applicable.
	Stage string `json:"stage,omitempty"`

	// ObjectID is the associated workspace, cloud context or resource ID, if applicable.
	ObjectID string `json:"object_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunCreated         = "run.created"
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeStageSucceeded     = "stage.succeeded"
	EventTypeStageRetrying      = "stage.retrying"
	EventTypeStageFailed        = "stage.failed"
	EventTypeStageCompensated   = "stage.compensated"
	EventTypeCompensationFailed = "stage.compensation_failed"
	EventTypeStateChanged       = "object.state_changed"
	EventTypeOrphanMarked       = "object.orphan_marked"
	EventTypePolicyConflict     = "policy.conflict"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
// In async mode events are buffered and delivered in order by one goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      chan struct{}
	closeOnce   sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{
		config: cfg,
		closed: make(chan struct{}),
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers an event to all subscribers.
// Publishing never blocks; an event that does not fit the buffer is dropped.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.closed:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishRunCreated publishes a run created event.
func (ep *EventPublisher) PublishRunCreated(runID, operation string) {
	_ = ep.Publish(Event{
		Type:    EventTypeRunCreated,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("run %s created for %s", runID, operation),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"operation": operation},
	})
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, operation string) {
	_ = ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("run %s started", runID),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"operation": operation},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, operation, status string, duration time.Duration) {
	level := EventLevelInfo
	if status != "SUCCESS" {
		level = EventLevelError
	}
	_ = ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("run %s completed with status %s", runID, status),
		Level:   level,
		Data: map[string]interface{}{
			"operation": operation,
			"status":    status,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishStageSucceeded publishes a stage succeeded event.
func (ep *EventPublisher) PublishStageSucceeded(runID, stage string) {
	_ = ep.Publish(Event{
		Type:    EventTypeStageSucceeded,
		Source:  "engine",
		RunID:   runID,
		Stage:   stage,
		Message: fmt.Sprintf("stage %s succeeded", stage),
		Level:   EventLevelInfo,
	})
}

// PublishStageRetrying publishes a stage retry event.
func (ep *EventPublisher) PublishStageRetrying(runID, stage string, attempts int, reason string) {
	_ = ep.Publish(Event{
		Type:    EventTypeStageRetrying,
		Source:  "engine",
		RunID:   runID,
		Stage:   stage,
		Message: fmt.Sprintf("stage %s failed (attempt %d), retrying: %s", stage, attempts, reason),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"attempts": attempts},
	})
}

// PublishStageFailed publishes a fatal stage failure event.
func (ep *EventPublisher) PublishStageFailed(runID, stage, reason string) {
	_ = ep.Publish(Event{
		Type:    EventTypeStageFailed,
		Source:  "engine",
		RunID:   runID,
		Stage:   stage,
		Message: fmt.Sprintf("stage %s failed: %s", stage, reason),
		Level:   EventLevelError,
	})
}

// PublishStageCompensated publishes a compensation event. A non-empty reason means it failed.
func (ep *EventPublisher) PublishStageCompensated(runID, stage, reason string) {
	event := Event{
		Type:    EventTypeStageCompensated,
		Source:  "engine",
		RunID:   runID,
		Stage:   stage,
		Message: fmt.Sprintf("stage %s compensated", stage),
		Level:   EventLevelInfo,
	}
	if reason != "" {
		event.Type = EventTypeCompensationFailed
		event.Message = fmt.Sprintf("compensation of stage %s failed: %s", stage, reason)
		event.Level = EventLevelError
	}
	_ = ep.Publish(event)
}

// PublishStateChanged publishes a state transition of a managed object.
func (ep *EventPublisher) PublishStateChanged(runID, objectID, state string) {
	_ = ep.Publish(Event{
		Type:     EventTypeStateChanged,
		Source:   "store",
		RunID:    runID,
		ObjectID: objectID,
		Message:  fmt.Sprintf("object %s is now %s", objectID, state),
		Level:    EventLevelInfo,
		Data:     map[string]interface{}{"state": state},
	})
}

// PublishOrphanMarked publishes an orphan marked broken by the janitor.
func (ep *EventPublisher) PublishOrphanMarked(objectID, runID string) {
	_ = ep.Publish(Event{
		Type:     EventTypeOrphanMarked,
		Source:   "janitor",
		RunID:    runID,
		ObjectID: objectID,
		Message:  fmt.Sprintf("object %s owned by dead run %s marked broken", objectID, runID),
		Level:    EventLevelWarning,
	})
}

// PublishPolicyConflict publishes a policy conflict.
func (ep *EventPublisher) PublishPolicyConflict(runID, objectID string, conflicts []string) {
	_ = ep.Publish(Event{
		Type:     EventTypePolicyConflict,
		Source:   "policy",
		RunID:    runID,
		ObjectID: objectID,
		Message:  fmt.Sprintf("policy conflict on %s", objectID),
		Level:    EventLevelError,
		Data:     map[string]interface{}{"conflicts": conflicts},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.closed:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.closed) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
