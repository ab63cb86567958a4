package audit

import "context"

// Resolution adapts a Sink to the resolution engine's narrower interface.
type Resolution struct {
	sink Sink
}

// NewResolution wraps a sink for use by the identity resolver.
func NewResolution(s Sink) *Resolution {
	return &Resolution{sink: s}
}

func (r *Resolution) EmitResolution(ctx context.Context, tenantID, providerID, userID, event string, fields map[string]any) {
	r.sink.Emit(ctx, Event{
		Type:       event,
		TenantID:   tenantID,
		ProviderID: providerID,
		UserID:     userID,
		Fields:     fields,
	})
}
