package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrInitInProgress is returned when another caller is already initializing
	// the requested processor. The caller should treat the request as failed
	// and retry on a later frame.
	ErrInitInProgress = errors.New("processor initialization already in progress")

	// ErrUnavailable is returned for processors that are disabled or failed to
	// initialize.
	ErrUnavailable = errors.New("processor unavailable")
)

// Factory builds the transformer backing one processor type. It is called at
// most once per successful initialization.
type Factory func(ctx context.Context, p ProcessorType) (Transformer, error)

// Handle is an initialized processor. Transform calls on the same Handle are
// serialized.
type Handle struct {
	processor ProcessorType
	mu        sync.Mutex
	t         Transformer
}

// Processor reports which processor type this handle wraps.
func (h *Handle) Processor() ProcessorType {
	return h.processor
}

// Transform runs the underlying transformer under the handle's lock.
func (h *Handle) Transform(ctx context.Context, frame []byte, p Params) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t.Transform(ctx, frame, p)
}

type poolSlot struct {
	handle       *Handle
	initializing bool
}

// Pool owns one lazily initialized Handle per enabled processor type.
type Pool struct {
	factory Factory
	log     *slog.Logger

	mu      sync.Mutex
	enabled map[ProcessorType]bool
	slots   map[ProcessorType]*poolSlot
}

// NewPool returns a Pool that serves the given processor types. Types not in
// enabled are reported as unavailable. If enabled is empty, all known types are served.
func NewPool(factory Factory, log *slog.Logger, enabled ...ProcessorType) *Pool {
	if len(enabled) == 0 {
		enabled = AllProcessors
	}
	p := &Pool{
		factory: factory,
		log:     log,
		enabled: make(map[ProcessorType]bool, len(enabled)),
		slots:   make(map[ProcessorType]*poolSlot),
	}
	for _, t := range enabled {
		p.enabled[t] = true
	}
	return p
}

// Available returns the enabled processor types in AllProcessors order.
func (p *Pool) Available() []ProcessorType {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ProcessorType, 0, len(p.enabled))
	for _, t := range AllProcessors {
		if p.enabled[t] {
			out = append(out, t)
		}
	}
	return out
}

// IsAvailable reports whether t is enabled.
func (p *Pool) IsAvailable(t ProcessorType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled[t]
}

// Acquire returns the Handle for t, initializing it on first use. Concurrent
// first-use callers do not wait: all but the initializer get ErrInitInProgress.
func (p *Pool) Acquire(ctx context.Context, t ProcessorType) (*Handle, error) {
	p.mu.Lock()
	if !p.enabled[t] {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, t)
	}
	slot, ok := p.slots[t]
	if !ok {
		slot = &poolSlot{}
		p.slots[t] = slot
	}
	if slot.handle != nil {
		h := slot.handle
		p.mu.Unlock()
		return h, nil
	}
	if slot.initializing {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInitInProgress, t)
	}
	slot.initializing = true
	p.mu.Unlock()

	p.log.Info("initializing processor", slog.String("processor", string(t)))
	tr, err := p.factory(ctx, t)

	p.mu.Lock()
	defer p.mu.Unlock()
	slot.initializing = false
	if err != nil {
		p.log.Error("processor initialization failed",
			slog.String("processor", string(t)),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, t, err)
	}
	slot.handle = &Handle{processor: t, t: tr}
	return slot.handle, nil
}
