package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"stream-relay/internal/transform"
)

// keyedMutex serializes lifecycle transitions per stream id. Entries are
// reference counted and removed when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[StreamID]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[StreamID]*refMutex)}
}

// Lock acquires the lock for id and returns its release func.
func (k *keyedMutex) Lock(id StreamID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// Client identifies one connection of a stream.
type Client struct {
	Conn     Conn
	StreamID StreamID
	Role     Role
}

func (c Client) attrs() []any {
	return []any{
		slog.String("stream_id", string(c.StreamID)),
		slog.String("conn_id", c.Conn.ID()),
		slog.String("role", c.Role.String()),
	}
}

// Connect registers c and sends its initial messages. Broadcasters get
// processor_info; viewers get the current style and cached frame when the
// stream is active, otherwise a stream_status. requestedProcessor is the
// broadcaster's optional processor selection.
func (r *Relay) Connect(ctx context.Context, c Client, requestedProcessor string) error {
	switch c.Role {
	case RoleBroadcaster:
		return r.connectBroadcaster(ctx, c, requestedProcessor)
	case RoleViewer:
		return r.connectViewer(ctx, c)
	default:
		return protocolErr("Invalid client type")
	}
}

func (r *Relay) connectBroadcaster(ctx context.Context, c Client, requested string) error {
	unlock := r.locks.Lock(c.StreamID)
	sess, created := r.store.GetOrCreate(c.StreamID)
	r.registry.Register(c.StreamID, c.Conn, RoleBroadcaster)
	r.metrics.AddConnections(RoleBroadcaster.String(), 1)
	if sess.Revive() {
		r.log.Info("stream revived by broadcaster", c.attrs()...)
	}
	if p, ok := r.resolveProcessor(c, requested); ok {
		if prev, err := sess.SetProcessor(p); err == nil && prev != p {
			r.log.Info("processor selected on connect",
				slog.String("stream_id", string(c.StreamID)),
				slog.String("processor", string(p)),
				slog.String("previous", string(prev)))
		}
	}
	processor := sess.Params().Processor
	unlock()

	r.log.Info("broadcaster connected", append(c.attrs(),
		slog.Bool("new_stream", created),
		slog.String("processor", string(processor)))...)

	err := r.send(ctx, c, ProcessorInfoMessage{
		Type:          TypeProcessorInfo,
		ProcessorType: string(processor),
		Message:       processorInfoText(processor),
	})
	if err != nil {
		// Already registered, so unwind through the normal disconnect path.
		r.Disconnect(ctx, c)
	}
	return err
}

// resolveProcessor validates a connect-time processor request. Unknown or
// unavailable processors fall back to the standard one.
func (r *Relay) resolveProcessor(c Client, requested string) (transform.ProcessorType, bool) {
	if strings.TrimSpace(requested) == "" {
		return "", false
	}
	p, err := transform.ParseProcessorType(requested)
	if err != nil {
		r.log.Warn("invalid processor type, using standard", append(c.attrs(), slog.String("requested", requested))...)
		return transform.ProcessorStandard, true
	}
	if !r.processors.IsAvailable(p) {
		r.log.Warn("processor not available, using standard", append(c.attrs(), slog.String("requested", requested))...)
		return transform.ProcessorStandard, true
	}
	return p, true
}

func (r *Relay) connectViewer(ctx context.Context, c Client) error {
	unlock := r.locks.Lock(c.StreamID)
	sess, _ := r.store.GetOrCreate(c.StreamID)
	st := r.statusLocked(c.StreamID)
	state := sess.State()
	cached := sess.LatestProcessed()
	unlock()

	// The initial messages go out before the viewer is registered so that no
	// broadcast frame can overtake the cached one. The stream lock is not held
	// while sending.
	var err error
	if st.Active {
		err = r.send(ctx, c, styleMessage(state))
		if err == nil && cached != nil {
			err = r.send(ctx, c, FrameMessage{
				Type:          TypeFrame,
				StreamID:      string(c.StreamID),
				Frame:         EncodeDataURL(cached.Data, cached.MIME),
				Timestamp:     unixMillis(cached.ReceivedAt),
				IsOriginal:    false,
				Processed:     true,
				ProcessorType: string(state.Processor),
				StylePrompt:   state.StylePrompt,
				Strength:      state.Strength,
			})
		}
	} else {
		err = r.send(ctx, c, statusMessage(st))
	}

	unlock = r.locks.Lock(c.StreamID)
	if err != nil {
		if r.registry.IsEmpty(c.StreamID) {
			r.store.Delete(c.StreamID)
		}
		unlock()
		return err
	}
	// The session may have been dropped while the lock was released.
	r.store.GetOrCreate(c.StreamID)
	r.registry.Register(c.StreamID, c.Conn, RoleViewer)
	r.metrics.AddConnections(RoleViewer.String(), 1)
	now := r.statusLocked(c.StreamID)
	unlock()

	r.log.Info("viewer connected", append(c.attrs(),
		slog.Bool("active", now.Active),
		slog.Bool("ended", now.Ended))...)

	if now != st {
		// The stream changed state while the initial messages were in flight.
		return r.send(ctx, c, statusMessage(now))
	}
	return nil
}

// Disconnect unregisters c. When c was the last broadcaster the stream ends;
// when no connection of any role remains the session is deleted. A
// connection that was already pruned is a no-op.
func (r *Relay) Disconnect(ctx context.Context, c Client) {
	r.leave(ctx, c.StreamID, c.Conn, "client disconnected", "Stream ended: broadcaster disconnected")
}

// prune is the fan-out hook for connections that failed a delivery. It applies
// the same transition as Disconnect.
func (r *Relay) prune(ctx context.Context, id StreamID, conn Conn) {
	r.leave(ctx, id, conn, "connection pruned", "Stream ended: broadcaster unreachable")
}

func (r *Relay) leave(ctx context.Context, id StreamID, conn Conn, event, endMessage string) {
	unlock := r.locks.Lock(id)
	role := RoleViewer
	if r.registry.Has(id, conn, RoleBroadcaster) {
		role = RoleBroadcaster
	}
	removed, _ := r.registry.Unregister(id, conn)
	if !removed {
		unlock()
		return
	}
	r.metrics.AddConnections(role.String(), -1)

	var (
		sess    *Session
		viewers []Conn
		ended   bool
	)
	if role == RoleBroadcaster && r.registry.Count(id, RoleBroadcaster) == 0 {
		sess, viewers, ended = r.endLocked(id)
	}
	deleted := false
	if r.registry.IsEmpty(id) {
		r.store.Delete(id)
		deleted = true
	}
	unlock()

	r.log.Info(event,
		slog.String("stream_id", string(id)),
		slog.String("conn_id", conn.ID()),
		slog.String("role", role.String()),
		slog.Bool("stream_ended", ended),
		slog.Bool("session_deleted", deleted))
	if ended {
		r.notifyEnded(ctx, sess, viewers, endMessage)
	}
}

// EndStream terminates the stream explicitly. It reports whether this call
// ended it; ending an ended or unknown stream is a no-op.
func (r *Relay) EndStream(ctx context.Context, id StreamID) bool {
	unlock := r.locks.Lock(id)
	sess, viewers, ended := r.endLocked(id)
	unlock()

	if ended {
		r.log.Info("stream ended by broadcaster", slog.String("stream_id", string(id)))
		r.notifyEnded(ctx, sess, viewers, "Stream has been ended by the broadcaster")
	}
	return ended
}

// endLocked marks the session ended and snapshots the viewers to notify.
// Caller must hold the stream lock.
func (r *Relay) endLocked(id StreamID) (*Session, []Conn, bool) {
	sess, ok := r.store.Get(id)
	if !ok || !sess.End() {
		return nil, nil, false
	}
	r.metrics.IncStreamsEnded()
	return sess, r.registry.Snapshot(id, RoleViewer), true
}

// notifyEnded tells viewers the stream is over. It waits for a frame
// delivery in progress so the notice is the last thing they get.
func (r *Relay) notifyEnded(ctx context.Context, sess *Session, viewers []Conn, message string) {
	id := sess.ID()
	var failed []Conn
	sess.publishFinal(func() {
		_, failed = r.fanout.send(ctx, id, StreamEndedMessage{
			Type:     TypeStreamEnded,
			StreamID: string(id),
			Message:  message,
		}, viewers)
	})
	r.fanout.Prune(ctx, id, failed)
}

// Status reports whether id is active, ended or unknown.
func (r *Relay) Status(id StreamID) StreamStatus {
	unlock := r.locks.Lock(id)
	defer unlock()
	return r.statusLocked(id)
}

func (r *Relay) statusLocked(id StreamID) StreamStatus {
	sess, ok := r.store.Get(id)
	if !ok {
		return StreamStatus{StreamID: id}
	}
	ended := sess.Ended()
	return StreamStatus{
		StreamID: id,
		Active:   !ended && r.registry.Count(id, RoleBroadcaster) > 0,
		Ended:    ended,
	}
}

func styleMessage(st SessionState) StyleUpdatedMessage {
	return StyleUpdatedMessage{
		Type:           TypeStyleUpdated,
		Prompt:         st.StylePrompt,
		NegativePrompt: st.NegativePrompt,
		ProcessorType:  string(st.Processor),
		Strength:       st.Strength,
	}
}

func processorInfoText(p transform.ProcessorType) string {
	return fmt.Sprintf("Using %s processor for image processing", p)
}
