package providers

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

// Instrumented wraps a Provider with a per-call timeout, a provider span and
// call metrics.
type Instrumented struct {
	next    Provider
	tel     *telemetry.Telemetry
	timeout time.Duration
}

var _ Provider = (*Instrumented)(nil)

// Instrument wraps next. A zero timeout disables the per-call deadline.
func Instrument(next Provider, tel *telemetry.Telemetry, timeout time.Duration) *Instrumented {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return &Instrumented{next: next, tel: tel, timeout: timeout}
}

// Unwrap returns the wrapped provider.
func (i *Instrumented) Unwrap() Provider {
	return i.next
}

func (i *Instrumented) call(ctx context.Context, operation string, key ResourceKey, fn func(ctx context.Context) error) error {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	attrs := []attribute.KeyValue{telemetry.AttrWorkspaceID.String(key.WorkspaceID)}
	if key.ResourceID != "" {
		attrs = append(attrs, telemetry.AttrResourceID.String(key.ResourceID))
	}
	return i.tel.RecordProviderOperation(ctx, i.next.Platform(), operation, fn, attrs...)
}

// Platform implements Provider.
func (i *Instrumented) Platform() string {
	return i.next.Platform()
}

// CreateCloudContext implements Provider.
func (i *Instrumented) CreateCloudContext(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	var desc json.RawMessage
	err := i.call(ctx, "create_cloud_context", ResourceKey{WorkspaceID: workspaceID}, func(ctx context.Context) error {
		var err error
		desc, err = i.next.CreateCloudContext(ctx, workspaceID)
		return err
	})
	return desc, err
}

// DeleteCloudContext implements Provider.
func (i *Instrumented) DeleteCloudContext(ctx context.Context, workspaceID string) error {
	return i.call(ctx, "delete_cloud_context", ResourceKey{WorkspaceID: workspaceID}, func(ctx context.Context) error {
		return i.next.DeleteCloudContext(ctx, workspaceID)
	})
}

// CreateResource implements Provider.
func (i *Instrumented) CreateResource(ctx context.Context, spec ResourceSpec) error {
	return i.call(ctx, "create_resource", spec.Key(), func(ctx context.Context) error {
		return i.next.CreateResource(ctx, spec)
	})
}

// GetResource implements Provider.
func (i *Instrumented) GetResource(ctx context.Context, key ResourceKey) (*ResourceSpec, error) {
	var spec *ResourceSpec
	err := i.call(ctx, "get_resource", key, func(ctx context.Context) error {
		var err error
		spec, err = i.next.GetResource(ctx, key)
		return err
	})
	return spec, err
}

// UpdateResource implements Provider.
func (i *Instrumented) UpdateResource(ctx context.Context, spec ResourceSpec) error {
	return i.call(ctx, "update_resource", spec.Key(), func(ctx context.Context) error {
		return i.next.UpdateResource(ctx, spec)
	})
}

// DeleteResource implements Provider.
func (i *Instrumented) DeleteResource(ctx context.Context, key ResourceKey) error {
	return i.call(ctx, "delete_resource", key, func(ctx context.Context) error {
		return i.next.DeleteResource(ctx, key)
	})
}
