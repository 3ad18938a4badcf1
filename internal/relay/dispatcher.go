package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stream-relay/internal/transform"
)

const frameSkippedText = "Frame skipped, still processing the previous frame"

// errSendFailed marks errors writing to the requesting client. They are not
// answered with an error reply.
var errSendFailed = errors.New("send failed")

// HandleMessage decodes one inbound message from c and applies it. Every
// failure is reported to c as an error reply; the connection stays open.
func (r *Relay) HandleMessage(ctx context.Context, c Client, data []byte) {
	in, err := DecodeInbound(data)
	if err == nil {
		err = r.dispatch(ctx, c, in)
	}
	if err != nil && !errors.Is(err, errSendFailed) {
		r.replyError(ctx, c, in, err)
	}
}

func (r *Relay) dispatch(ctx context.Context, c Client, in Inbound) error {
	if in.Kind.broadcasterOnly() && c.Role != RoleBroadcaster {
		return protocolErr("%s is only allowed for broadcasters", in.Type)
	}

	switch in.Kind {
	case CmdFrame:
		return r.handleFrame(ctx, c, in)
	case CmdUpdatePrompt:
		return r.handleUpdatePrompt(ctx, c, in)
	case CmdUpdateNegativePrompt:
		return r.handleUpdateNegativePrompt(ctx, c, in)
	case CmdUpdateStrength:
		return r.handleUpdateStrength(ctx, c, in)
	case CmdUpdateProcessor:
		return r.handleUpdateProcessor(ctx, c, in)
	case CmdEndStream:
		r.EndStream(ctx, c.StreamID)
		return r.send(ctx, c, StreamEndedMessage{
			Type:     TypeStreamEndedConfirmation,
			StreamID: string(c.StreamID),
			Message:  "Stream ended successfully",
		})
	case CmdPing:
		return r.send(ctx, c, PongMessage{Type: TypePong, Timestamp: unixMillis(time.Now())})
	case CmdGetStylePrompt:
		sess, err := r.session(c.StreamID)
		if err != nil {
			return err
		}
		return r.send(ctx, c, styleMessage(sess.State()))
	case CmdGetProcessorInfo:
		sess, err := r.session(c.StreamID)
		if err != nil {
			return err
		}
		p := sess.Params().Processor
		return r.send(ctx, c, ProcessorInfoMessage{
			Type:          TypeProcessorInfo,
			ProcessorType: string(p),
			Message:       processorInfoText(p),
		})
	case CmdGetLatestFrame:
		return r.handleGetLatestFrame(ctx, c)
	case CmdCheckStreamStatus:
		id := in.StreamID
		if id == "" {
			id = c.StreamID
		}
		return r.send(ctx, c, statusMessage(r.Status(id)))
	case CmdSubscribe:
		unlock := r.locks.Lock(c.StreamID)
		r.registry.Register(c.StreamID, c.Conn, RoleEchoSubscriber)
		unlock()
		return r.send(ctx, c, NoticeMessage{
			Type:    TypeSubscriptionConfirmed,
			Message: "Subscribed to processed frames",
		})
	case CmdUnsubscribe:
		unlock := r.locks.Lock(c.StreamID)
		r.registry.UnregisterRole(c.StreamID, c.Conn, RoleEchoSubscriber)
		unlock()
		return r.send(ctx, c, NoticeMessage{
			Type:    TypeUnsubscriptionConfirmed,
			Message: "Unsubscribed from processed frames",
		})
	case CmdUnknown:
		return protocolErr("Unknown message type: %s", in.Type)
	default:
		return protocolErr("Unknown message type: %s", in.Type)
	}
}

func (r *Relay) handleFrame(ctx context.Context, c Client, in Inbound) error {
	data, mime, err := DecodeFrame(in.Frame, r.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}
	sess, err := r.session(c.StreamID)
	if err != nil {
		return err
	}

	_, res := r.admission.Submit(sess, data, mime)
	switch res {
	case AdmissionEnded:
		return commandErr(ErrStreamEnded, "Stream has ended")
	case AdmissionCoalesced:
		r.metrics.IncFramesReceived()
		r.metrics.IncFramesSkipped()
		if r.cfg.FrameSkippedNotices {
			return r.send(ctx, c, NoticeMessage{Type: TypeFrameSkipped, Message: frameSkippedText})
		}
	default:
		r.metrics.IncFramesReceived()
	}
	return nil
}

func (r *Relay) handleUpdatePrompt(ctx context.Context, c Client, in Inbound) error {
	sess, err := r.session(c.StreamID)
	if err != nil {
		return err
	}
	prev, err := sess.SetPrompt(in.Prompt)
	if err != nil {
		return err
	}
	r.log.Info("style prompt updated",
		slog.String("stream_id", string(c.StreamID)),
		slog.String("previous", prev),
		slog.String("prompt", in.Prompt))
	if err := r.send(ctx, c, PromptUpdatedMessage{Type: TypePromptUpdated, Prompt: in.Prompt}); err != nil {
		return err
	}
	r.notifyViewers(ctx, c.StreamID, styleMessage(sess.State()))
	return nil
}

func (r *Relay) handleUpdateNegativePrompt(ctx context.Context, c Client, in Inbound) error {
	sess, err := r.session(c.StreamID)
	if err != nil {
		return err
	}
	prev := sess.SetNegativePrompt(in.Prompt)
	st := sess.State()
	r.log.Info("negative prompt updated",
		slog.String("stream_id", string(c.StreamID)),
		slog.String("previous", prev),
		slog.String("negative_prompt", st.NegativePrompt))
	if err := r.send(ctx, c, NegativePromptUpdatedMessage{
		Type:           TypeNegativePromptUpdated,
		NegativePrompt: st.NegativePrompt,
	}); err != nil {
		return err
	}
	r.notifyViewers(ctx, c.StreamID, styleMessage(st))
	return nil
}

func (r *Relay) handleUpdateStrength(ctx context.Context, c Client, in Inbound) error {
	if in.Strength == nil {
		return validationErr("Missing strength value")
	}
	sess, err := r.session(c.StreamID)
	if err != nil {
		return err
	}
	prev, err := sess.SetStrength(*in.Strength)
	if err != nil {
		return err
	}
	r.log.Info("strength updated",
		slog.String("stream_id", string(c.StreamID)),
		slog.Float64("previous", prev),
		slog.Float64("strength", *in.Strength))
	if err := r.send(ctx, c, StrengthUpdatedMessage{Type: TypeStrengthUpdated, Strength: *in.Strength}); err != nil {
		return err
	}
	r.notifyViewers(ctx, c.StreamID, styleMessage(sess.State()))
	return nil
}

func (r *Relay) handleUpdateProcessor(ctx context.Context, c Client, in Inbound) error {
	p, err := transform.ParseProcessorType(in.Processor)
	if err != nil {
		return validationErr("Invalid processor type: %s", in.Processor)
	}
	if !r.processors.IsAvailable(p) {
		return validationErr("%s processor is not available on this server", capitalize(string(p)))
	}
	sess, err := r.session(c.StreamID)
	if err != nil {
		return err
	}
	prev, err := sess.SetProcessor(p)
	if err != nil {
		return err
	}
	r.log.Info("processor updated",
		slog.String("stream_id", string(c.StreamID)),
		slog.String("previous", string(prev)),
		slog.String("processor", string(p)))
	msg := ProcessorUpdatedMessage{Type: TypeProcessorUpdated, ProcessorType: string(p)}
	if err := r.send(ctx, c, msg); err != nil {
		return err
	}
	r.notifyViewers(ctx, c.StreamID, msg)
	return nil
}

func (r *Relay) handleGetLatestFrame(ctx context.Context, c Client) error {
	msg := LatestFrameMessage{Type: TypeLatestFrame, StreamID: string(c.StreamID)}
	if sess, ok := r.store.Get(c.StreamID); ok {
		if f := sess.LatestProcessed(); f != nil {
			url := EncodeDataURL(f.Data, f.MIME)
			msg.Frame = &url
			msg.Timestamp = unixMillis(f.ReceivedAt)
		}
	}
	if msg.Frame == nil {
		msg.Message = "No processed frame available"
	}
	return r.send(ctx, c, msg)
}

func (r *Relay) session(id StreamID) (*Session, error) {
	sess, ok := r.store.Get(id)
	if !ok {
		return nil, commandErr(ErrStreamNotFound, "Stream not found")
	}
	return sess, nil
}

func (r *Relay) notifyViewers(ctx context.Context, id StreamID, msg any) {
	r.fanout.Deliver(ctx, id, msg, r.registry.Snapshot(id, RoleViewer))
}

// send writes msg to the client itself. Failures wrap errSendFailed; the
// connection's read loop observes the broken socket.
func (r *Relay) send(ctx context.Context, c Client, msg any) error {
	if err := sendJSON(ctx, c.Conn, msg); err != nil {
		r.log.Debug("send failed", append(c.attrs(), slog.String("error", err.Error()))...)
		return fmt.Errorf("%w: %w", errSendFailed, err)
	}
	return nil
}

func (r *Relay) replyError(ctx context.Context, c Client, in Inbound, err error) {
	reply := ErrorMessage{Type: TypeError, Message: "Internal error", Details: err.Error()}
	var ce *CommandError
	if errors.As(err, &ce) {
		reply.Message = ce.Message
		reply.Details = ce.Details
	}
	if in.Kind == CmdFrame {
		r.metrics.IncFramesRejected()
	}

	level := slog.LevelDebug
	if !errors.As(err, &ce) {
		level = slog.LevelWarn
	}
	r.log.Log(ctx, level, "command rejected", append(c.attrs(),
		slog.String("command", in.Kind.String()),
		slog.String("error", err.Error()))...)

	_ = r.send(ctx, c, reply)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
