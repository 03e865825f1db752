package outbox

import (
	"context"

	"github.com/md-rashed-zaman/dishpatch/libs/httpx"
)

type ctxKey int

const (
	ctxKeyCorrelationID ctxKey = iota
	ctxKeyCausationID
)

func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyCorrelationID, id)
}

// CorrelationIDFromContext falls back to the inbound request id.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, _ := ctx.Value(ctxKeyCorrelationID).(string); v != "" {
		return v
	}
	return httpx.RequestIDFromContext(ctx)
}

// WithCausationID marks ctx as handling the given event, so events raised by
// the handler record what caused them.
func WithCausationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyCausationID, id)
}

func CausationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyCausationID).(string)
	return v
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, msg Message) context.Context {
	return context.WithValue(ctx, deliveryKey{}, msg)
}

// DeliveryFromContext returns the outbox row a handler is being called for.
func DeliveryFromContext(ctx context.Context) (Message, bool) {
	msg, ok := ctx.Value(deliveryKey{}).(Message)
	return msg, ok
}
