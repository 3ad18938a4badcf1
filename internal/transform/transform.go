// Package transform defines the frame transformation capability consumed by the
// relay and the shared, lazily initialized processors that provide it.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ProcessorType selects which diffusion pipeline handles a stream.
type ProcessorType string

const (
	ProcessorStandard  ProcessorType = "standard"
	ProcessorLightning ProcessorType = "lightning"

	DefaultProcessor = ProcessorStandard
)

// AllProcessors lists every known processor type in display order.
var AllProcessors = []ProcessorType{ProcessorStandard, ProcessorLightning}

// ErrUnknownProcessor is returned by ParseProcessorType for names outside AllProcessors.
var ErrUnknownProcessor = errors.New("unknown processor type")

// ParseProcessorType validates s (case-insensitive, trimmed).
func ParseProcessorType(s string) (ProcessorType, error) {
	p := ProcessorType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllProcessors {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProcessor, s)
}

// Params are the per-stream style parameters captured when a transformation is dispatched.
type Params struct {
	Prompt         string
	NegativePrompt string
	Strength       float64
	Processor      ProcessorType
}

// Transformer converts one raw encoded frame into a styled one. Calls may take
// seconds. Implementations are not assumed to be safe for concurrent use.
type Transformer interface {
	Transform(ctx context.Context, frame []byte, p Params) ([]byte, error)
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(ctx context.Context, frame []byte, p Params) ([]byte, error)

func (f TransformerFunc) Transform(ctx context.Context, frame []byte, p Params) ([]byte, error) {
	return f(ctx, frame, p)
}

// Passthrough returns frames unchanged. Useful for local development without
// an inference backend.
type Passthrough struct{}

func (Passthrough) Transform(ctx context.Context, frame []byte, _ Params) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}
