package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"stream-relay/internal/platform/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// DefaultFanoutConcurrency bounds parallel sends within one Deliver call.
const DefaultFanoutConcurrency = 16

// DeliveryResult counts the outcome of one Deliver call.
type DeliveryResult struct {
	Delivered int
	Failed    int
}

// PruneFunc removes a connection that failed a delivery from stream id.
type PruneFunc func(ctx context.Context, id StreamID, c Conn)

// Fanout delivers one message to many connections. A failed connection is
// pruned and closed; the others are unaffected.
type Fanout struct {
	registry    *Registry
	log         *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
	sendTimeout time.Duration
	onPrune     PruneFunc
}

// NewFanout returns a Fanout. concurrency <= 0 uses DefaultFanoutConcurrency;
// sendTimeout <= 0 leaves send deadlines to the connection.
func NewFanout(reg *Registry, log *slog.Logger, m *metrics.Metrics, concurrency int, sendTimeout time.Duration) *Fanout {
	if concurrency <= 0 {
		concurrency = DefaultFanoutConcurrency
	}
	return &Fanout{registry: reg, log: log, metrics: m, concurrency: concurrency, sendTimeout: sendTimeout}
}

// SetPruneFunc replaces the default prune, which only unregisters the
// connection.
func (f *Fanout) SetPruneFunc(fn PruneFunc) {
	f.onPrune = fn
}

// Deliver encodes msg once and sends it to every target. targets is copied
// before iteration; failed connections are pruned after all sends complete.
func (f *Fanout) Deliver(ctx context.Context, id StreamID, msg any, targets []Conn) DeliveryResult {
	res, failed := f.send(ctx, id, msg, targets)
	f.Prune(ctx, id, failed)
	return res
}

// send delivers msg like Deliver but returns the failed connections instead
// of pruning them. The caller must pass them to Prune.
func (f *Fanout) send(ctx context.Context, id StreamID, msg any, targets []Conn) (DeliveryResult, []Conn) {
	if len(targets) == 0 {
		return DeliveryResult{}, nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		f.log.Error("encode broadcast message failed",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
		return DeliveryResult{Failed: len(targets)}, nil
	}

	conns := make([]Conn, len(targets))
	copy(conns, targets)
	errs := make([]error, len(conns))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, c := range conns {
		g.Go(func() error {
			sendCtx := ctx
			if f.sendTimeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, f.sendTimeout)
				defer cancel()
			}
			errs[i] = c.Send(sendCtx, payload)
			return nil
		})
	}
	_ = g.Wait()

	var res DeliveryResult
	var failed []Conn
	for i, c := range conns {
		if errs[i] == nil {
			res.Delivered++
			continue
		}
		res.Failed++
		failed = append(failed, c)
		f.log.Info("pruning unreachable connection",
			slog.String("stream_id", string(id)),
			slog.String("conn_id", c.ID()),
			slog.String("error", errs[i].Error()))
	}
	f.metrics.AddDeliveries(res.Delivered, res.Failed)
	return res, failed
}

// Prune removes every connection in conns from stream id and closes it.
func (f *Fanout) Prune(ctx context.Context, id StreamID, conns []Conn) {
	for _, c := range conns {
		if f.onPrune != nil {
			f.onPrune(ctx, id, c)
		} else {
			f.registry.Unregister(id, c)
		}
		_ = c.Close(websocket.CloseGoingAway, "delivery failed")
	}
}
