package relay

import (
	"context"
	"log/slog"
	"time"

	"stream-relay/internal/platform/metrics"
	"stream-relay/internal/transform"

	"github.com/gorilla/websocket"
)

// Config tunes a Relay.
type Config struct {
	// MaxFrameBytes caps the decoded size of an inbound frame.
	MaxFrameBytes int
	// SendTimeout bounds each fan-out send; zero leaves it to the connection.
	SendTimeout time.Duration
	// TransformTimeout bounds each transformer call; zero disables it.
	TransformTimeout  time.Duration
	FanoutConcurrency int
	// FrameSkippedNotices enables frame_skipped replies for coalesced frames.
	FrameSkippedNotices bool
	Defaults            SessionDefaults
}

// DefaultConfig returns the stock relay configuration.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:       DefaultMaxFrameBytes,
		FanoutConcurrency:   DefaultFanoutConcurrency,
		FrameSkippedNotices: true,
		Defaults:            DefaultSessionDefaults(),
	}
}

// Relay wires the registry, session store, admission controller,
// orchestrator and fan-out for every stream served by the process.
type Relay struct {
	cfg        Config
	log        *slog.Logger
	metrics    *metrics.Metrics
	processors Processors

	registry  *Registry
	store     *SessionStore
	fanout    *Fanout
	orch      *Orchestrator
	admission *AdmissionController
	locks     *keyedMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Relay backed by processors. m may be nil.
func New(cfg Config, processors Processors, log *slog.Logger, m *metrics.Metrics) *Relay {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.Defaults == (SessionDefaults{}) {
		cfg.Defaults = DefaultSessionDefaults()
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	fan := NewFanout(reg, log, m, cfg.FanoutConcurrency, cfg.SendTimeout)
	orch := NewOrchestrator(processors, reg, fan, log, m, cfg.TransformTimeout)

	r := &Relay{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		processors: processors,
		registry:   reg,
		store:      NewSessionStore(cfg.Defaults),
		fanout:     fan,
		orch:       orch,
		admission:  NewAdmissionController(ctx, orch),
		locks:      newKeyedMutex(),
		ctx:        ctx,
		cancel:     cancel,
	}
	fan.SetPruneFunc(r.prune)
	return r
}

// Streams lists every stream with a session, sorted by id.
func (r *Relay) Streams() []StreamInfo {
	ids := r.store.IDs()
	out := make([]StreamInfo, 0, len(ids))
	for _, id := range ids {
		sess, ok := r.store.Get(id)
		if !ok {
			continue
		}
		st := sess.State()
		out = append(out, StreamInfo{
			ID:               id,
			BroadcasterCount: r.registry.Count(id, RoleBroadcaster),
			ViewerCount:      r.registry.Count(id, RoleViewer),
			ProcessorType:    string(st.Processor),
			Strength:         st.Strength,
			Ended:            st.Ended,
		})
	}
	return out
}

// AvailableProcessors lists the processor types this server can use.
func (r *Relay) AvailableProcessors() []transform.ProcessorType {
	return r.processors.Available()
}

// DefaultProcessor is the processor new sessions start with.
func (r *Relay) DefaultProcessor() transform.ProcessorType {
	return r.cfg.Defaults.Processor
}

// ActiveStreamCount returns the number of streams that are not ended and have
// a broadcaster.
func (r *Relay) ActiveStreamCount() int {
	n := 0
	for _, id := range r.store.IDs() {
		if r.Status(id).Active {
			n++
		}
	}
	return n
}

// Shutdown closes every connection, cancels in-flight transformations and
// waits for their tasks to return or ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	for _, c := range r.registry.All() {
		_ = c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.admission.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
