package webhook

import (
	"context"
	"sync"

	"github.com/keithlinneman/storefront-gateway/internal/log"
)

// Processor acts on a verified event. Deliveries are at-least-once, a
// Processor must tolerate seeing the same event id twice.
type Processor interface {
	Process(ctx context.Context, ev Event) error
}

type ProcessorFunc func(ctx context.Context, ev Event) error

func (f ProcessorFunc) Process(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Router dispatches events by type. Types without a registered processor go
// to Fallback, or are acknowledged after a debug log when Fallback is nil.
type Router struct {
	mu       sync.RWMutex
	byType   map[string]Processor
	Fallback Processor
}

func NewRouter() *Router {
	return &Router{byType: make(map[string]Processor)}
}

// Handle registers p for events of type typ, replacing any earlier one.
func (r *Router) Handle(typ string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typ] = p
}

func (r *Router) Process(ctx context.Context, ev Event) error {
	r.mu.RLock()
	p, ok := r.byType[ev.Type]
	r.mu.RUnlock()
	if ok {
		return p.Process(ctx, ev)
	}
	if r.Fallback != nil {
		return r.Fallback.Process(ctx, ev)
	}
	log.FromContext(ctx).Debug(ctx, "webhook event ignored", "event.id", ev.ID, "event.type", ev.Type)
	return nil
}
