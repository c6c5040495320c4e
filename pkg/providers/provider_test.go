package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

func TestResultFor(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		err     error
		outcome engine.Outcome
		check   func(error) bool
	}{
		{"nil", ActionCreate, nil, engine.OutcomeSuccess, nil},
		{"create exists", ActionCreate, fmt.Errorf("x: %w", ErrAlreadyExists), engine.OutcomeSuccess, nil},
		{"delete missing", ActionDelete, fmt.Errorf("x: %w", ErrNotFound), engine.OutcomeSuccess, nil},
		{"update missing", ActionUpdate, ErrNotFound, engine.OutcomeFatalFailure, engine.IsPermanent},
		{"throttled", ActionCreate, ErrThrottled, engine.OutcomeRetryableFailure, engine.IsThrottled},
		{"conflict", ActionUpdate, ErrConflict, engine.OutcomeRetryableFailure, engine.IsRetryable},
		{"unavailable", ActionDelete, ErrUnavailable, engine.OutcomeRetryableFailure, engine.IsRetryable},
		{"invalid", ActionCreate, ErrInvalid, engine.OutcomeFatalFailure, engine.IsPermanent},
		{"unknown", ActionCreate, errors.New("boom"), engine.OutcomeFatalFailure, engine.IsPermanent},
		{"deadline", ActionCreate, context.DeadlineExceeded, engine.OutcomeRetryableFailure, engine.IsRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResultFor(tt.action, tt.err)
			assert.Equal(t, tt.outcome, res.Outcome)
			if tt.check != nil {
				assert.True(t, tt.check(res.Err), "unexpected error class: %v", res.Err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMemoryProvider(PlatformGCP)))
	require.NoError(t, r.Register(NewMemoryProvider(PlatformAWS)))
	assert.Error(t, r.Register(NewMemoryProvider(PlatformGCP)))
	assert.Error(t, r.Register(NewMemoryProvider("")))

	p, err := r.Get(PlatformGCP)
	require.NoError(t, err)
	assert.Equal(t, PlatformGCP, p.Platform())

	_, err = r.Get(PlatformAzure)
	assert.True(t, engine.IsPermanent(err))

	assert.Equal(t, []string{PlatformAWS, PlatformGCP}, r.Platforms())
}

func TestMemoryProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(PlatformGCP)
	spec := ResourceSpec{WorkspaceID: "ws", ResourceID: "r1", ResourceType: "storage-bucket", Name: "b"}
	key := ResourceKey{WorkspaceID: "ws", ResourceID: "r1"}

	require.NoError(t, p.CreateResource(ctx, spec))
	assert.ErrorIs(t, p.CreateResource(ctx, spec), ErrAlreadyExists)

	spec.Region = "us-east1"
	require.NoError(t, p.UpdateResource(ctx, spec))
	got, err := p.GetResource(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "us-east1", got.Region)

	require.NoError(t, p.DeleteResource(ctx, key))
	assert.ErrorIs(t, p.DeleteResource(ctx, key), ErrNotFound)
	assert.False(t, p.Has(key))
	assert.Equal(t, 2, p.Calls(ActionCreate))
	assert.Equal(t, 2, p.Calls(ActionDelete))
}

func TestMemoryProviderCloudContext(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(PlatformAzure)

	first, err := p.CreateCloudContext(ctx, "ws")
	require.NoError(t, err)
	second, err := p.CreateCloudContext(ctx, "ws")
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
	assert.True(t, p.HasContext("ws"))

	require.NoError(t, p.DeleteCloudContext(ctx, "ws"))
	assert.ErrorIs(t, p.DeleteCloudContext(ctx, "ws"), ErrNotFound)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(PlatformGCP)
	p.FailNext(ActionCreate, "r2", ErrThrottled, 2)

	require.NoError(t, p.CreateResource(ctx, ResourceSpec{WorkspaceID: "ws", ResourceID: "r1"}))
	assert.ErrorIs(t, p.CreateResource(ctx, ResourceSpec{WorkspaceID: "ws", ResourceID: "r2"}), ErrThrottled)
	assert.ErrorIs(t, p.CreateResource(ctx, ResourceSpec{WorkspaceID: "ws", ResourceID: "r2"}), ErrThrottled)
	require.NoError(t, p.CreateResource(ctx, ResourceSpec{WorkspaceID: "ws", ResourceID: "r2"}))
	assert.Equal(t, 2, p.Len())
}

type slowProvider struct {
	*MemoryProvider
}

func (s slowProvider) DeleteResource(ctx context.Context, _ ResourceKey) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return nil
	}
}

func TestInstrumentedTimeout(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryProvider(PlatformGCP)
	p := Instrument(inner, telemetry.NewNoop(), 20*time.Millisecond)

	require.NoError(t, p.CreateResource(ctx, ResourceSpec{WorkspaceID: "ws", ResourceID: "r1"}))
	assert.True(t, inner.Has(ResourceKey{WorkspaceID: "ws", ResourceID: "r1"}))
	assert.Equal(t, PlatformGCP, p.Platform())
	assert.Same(t, inner, p.Unwrap())

	slow := Instrument(slowProvider{inner}, nil, 20*time.Millisecond)
	err := slow.DeleteResource(ctx, ResourceKey{WorkspaceID: "ws", ResourceID: "r1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, engine.OutcomeRetryableFailure, ResultFor(ActionDelete, err).Outcome)
}
