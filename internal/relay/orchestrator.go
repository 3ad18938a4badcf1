package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"stream-relay/internal/platform/metrics"
	"stream-relay/internal/transform"
)

const processingFailedMessage = "Frame processing failed, please try again"

var errEmptyResult = errors.New("transformer returned an empty frame")

// Processors is the shared transformer resource. *transform.Pool implements it.
type Processors interface {
	Acquire(ctx context.Context, t transform.ProcessorType) (*transform.Handle, error)
	Available() []transform.ProcessorType
	IsAvailable(t transform.ProcessorType) bool
}

// Orchestrator runs transformations for one session at a time and publishes
// the results.
type Orchestrator struct {
	processors Processors
	registry   *Registry
	fanout     *Fanout
	log        *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
}

// NewOrchestrator returns an Orchestrator. timeout bounds each transformer
// call; zero disables it.
func NewOrchestrator(p Processors, reg *Registry, f *Fanout, log *slog.Logger, m *metrics.Metrics, timeout time.Duration) *Orchestrator {
	return &Orchestrator{processors: p, registry: reg, fanout: f, log: log, metrics: m, timeout: timeout}
}

// Run processes frame and keeps going while complete hands back a newer
// frame. It returns once complete releases the session's single-flight slot.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, frame Frame, complete func(*Session, Frame) (Frame, bool)) {
	for {
		o.process(ctx, sess, frame)
		next, ok := complete(sess, frame)
		if !ok {
			return
		}
		frame = next
	}
}

func (o *Orchestrator) process(ctx context.Context, sess *Session, frame Frame) {
	id := sess.ID()
	params := sess.Params()

	start := time.Now()
	out, err := o.transform(ctx, frame.Data, params)
	elapsed := time.Since(start)
	if err == nil && len(out) == 0 {
		err = errEmptyResult
	}

	if err != nil {
		o.metrics.ObserveTransform("error", elapsed)
		o.log.Warn("frame transformation failed",
			slog.String("stream_id", string(id)),
			slog.String("processor", string(params.Processor)),
			slog.Uint64("seq", frame.Seq),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("error", err.Error()))
		var failed []Conn
		sess.publish(func() {
			targets := o.targets(id)
			_, failed = o.fanout.send(ctx, id, ErrorMessage{
				Type:    TypeError,
				Message: processingFailedMessage,
				Details: err.Error(),
			}, targets)
			targets = slices.DeleteFunc(targets, func(c Conn) bool { return slices.Contains(failed, c) })
			_, more := o.fanout.send(ctx, id, o.frameMessage(id, frame, params, true), targets)
			failed = append(failed, more...)
		})
		o.fanout.Prune(ctx, id, failed)
		return
	}

	o.metrics.ObserveTransform("ok", elapsed)
	o.log.Debug("frame transformed",
		slog.String("stream_id", string(id)),
		slog.String("processor", string(params.Processor)),
		slog.Uint64("seq", frame.Seq),
		slog.Int64("duration_ms", elapsed.Milliseconds()))

	processed := Frame{Seq: frame.Seq, Data: out, MIME: defaultFrameMIME, ReceivedAt: frame.ReceivedAt}
	var failed []Conn
	committed := false
	sess.publish(func() {
		if committed = sess.commitProcessed(processed); committed {
			_, failed = o.fanout.send(ctx, id, o.frameMessage(id, processed, params, false), o.targets(id))
		}
	})
	if !committed {
		o.log.Debug("dropping processed frame for ended stream",
			slog.String("stream_id", string(id)),
			slog.Uint64("seq", frame.Seq))
		return
	}
	o.fanout.Prune(ctx, id, failed)
}

// transform acquires the processor selected by p and runs it. Acquire
// failures and transformer panics are returned as errors.
func (o *Orchestrator) transform(ctx context.Context, data []byte, p transform.Params) (out []byte, err error) {
	h, err := o.processors.Acquire(ctx, p.Processor)
	if err != nil {
		return nil, err
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("transformer panic: %v", r)
		}
	}()
	return h.Transform(ctx, data, p)
}

// targets returns every connection that receives processed frames.
func (o *Orchestrator) targets(id StreamID) []Conn {
	viewers := o.registry.Snapshot(id, RoleViewer)
	return append(viewers, o.registry.Snapshot(id, RoleEchoSubscriber)...)
}

func (o *Orchestrator) frameMessage(id StreamID, f Frame, p transform.Params, original bool) FrameMessage {
	return FrameMessage{
		Type:          TypeFrame,
		StreamID:      string(id),
		Frame:         EncodeDataURL(f.Data, f.MIME),
		Timestamp:     unixMillis(time.Now()),
		IsOriginal:    original,
		Processed:     !original,
		ProcessorType: string(p.Processor),
		StylePrompt:   p.Prompt,
		Strength:      p.Strength,
	}
}
