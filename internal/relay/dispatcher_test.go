package relay

import (
	"context"
	"strings"
	"testing"

	"stream-relay/internal/platform/logger"
	"stream-relay/internal/transform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_update_strength_out_of_range(t *testing.T) {
	r := newTestRelay(t, newOpenGate())
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")

	send(t, r, b, map[string]any{"type": "update_strength", "strength": 1.5})
	reply := bconn.last(t)
	assert.Equal(t, TypeError, reply["type"])
	assert.Contains(t, reply["message"], "Strength must be between")

	bconn.reset()
	send(t, r, b, map[string]any{"type": "get_style_prompt"})
	style := bconn.last(t)
	assert.Equal(t, TypeStyleUpdated, style["type"])
	assert.Equal(t, 0.9, style["strength"])
}

func TestDispatch_update_strength_notifies(t *testing.T) {
	r := newTestRelay(t, newOpenGate())
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")
	_, v := connect(t, r, "s1", RoleViewer, "")
	v.reset()

	send(t, r, b, map[string]any{"type": "update_strength", "strength": "0.5"})

	ack := bconn.last(t)
	assert.Equal(t, TypeStrengthUpdated, ack["type"])
	assert.Equal(t, 0.5, ack["strength"])
	style := v.last(t)
	assert.Equal(t, TypeStyleUpdated, style["type"])
	assert.Equal(t, 0.5, style["strength"])
}

func TestDispatch_prompt_updates(t *testing.T) {
	r := newTestRelay(t, newOpenGate())
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")
	_, v := connect(t, r, "s1", RoleViewer, "")
	v.reset()

	send(t, r, b, map[string]any{"type": "update_prompt", "prompt": "ukiyo-e"})
	assert.Equal(t, map[string]any{"type": TypePromptUpdated, "prompt": "ukiyo-e"}, bconn.last(t))
	assert.Equal(t, "ukiyo-e", v.last(t)["prompt"])

	send(t, r, b, map[string]any{"type": "update_negative_prompt", "negativePrompt": "blurry"})
	assert.Equal(t, map[string]any{"type": TypeNegativePromptUpdated, "negative_prompt": "blurry"}, bconn.last(t))
	assert.Equal(t, "blurry", v.last(t)["negative_prompt"])

	send(t, r, b, map[string]any{"type": "update_prompt", "prompt": ""})
	assert.Equal(t, TypeError, bconn.last(t)["type"])

	sess, _ := r.store.Get("s1")
	assert.Equal(t, "ukiyo-e", sess.Params().Prompt)
}

func TestDispatch_update_processor(t *testing.T) {
	r := newTestRelay(t, newOpenGate())
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")
	_, v := connect(t, r, "s1", RoleViewer, "")

	send(t, r, b, map[string]any{"type": "update_processor", "processor_type": "lightning"})
	assert.Equal(t, map[string]any{"type": TypeProcessorUpdated, "processorType": "lightning"}, bconn.last(t))
	assert.Equal(t, TypeProcessorUpdated, v.last(t)["type"])

	send(t, r, b, map[string]any{"type": "update_processor", "processorType": "warp"})
	reply := bconn.last(t)
	assert.Equal(t, TypeError, reply["type"])
	assert.Equal(t, "Invalid processor type: warp", reply["message"])

	sess, _ := r.store.Get("s1")
	assert.Equal(t, transform.ProcessorLightning, sess.Params().Processor)
}

func TestDispatch_update_processor_unavailable(t *testing.T) {
	pool := transform.NewPool(staticFactory(newOpenGate()), logger.Discard(), transform.ProcessorStandard)
	r := newTestRelayWithPool(t, pool)
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")

	send(t, r, b, map[string]any{"type": "update_processor", "processor_type": "lightning"})
	reply := bconn.last(t)
	assert.Equal(t, TypeError, reply["type"])
	assert.Equal(t, "Lightning processor is not available on this server", reply["message"])
}

func TestDispatch_viewer_cannot_issue_broadcaster_commands(t *testing.T) {
	gate := newOpenGate()
	r := newTestRelay(t, gate)
	connect(t, r, "s1", RoleBroadcaster, "")
	v, vconn := connect(t, r, "s1", RoleViewer, "")

	for _, typ := range []string{"frame", "update_prompt", "update_strength", "update_processor", "end_stream", "subscribe_to_processed_frames"} {
		vconn.reset()
		send(t, r, v, map[string]any{"type": typ, "prompt": "x", "strength": 0.5, "frame": b64("F")})
		reply := vconn.last(t)
		assert.Equal(t, TypeError, reply["type"], typ)
		assert.Contains(t, reply["message"], "only allowed for broadcasters", typ)
	}

	assert.Empty(t, gate.callFrames())
	assert.Equal(t, StreamStatus{StreamID: "s1", Active: true}, r.Status("s1"))
}

func TestDispatch_malformed_messages(t *testing.T) {
	r := newTestRelay(t, newOpenGate())
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")

	cases := map[string]string{
		`not json`:                                     "Invalid message format",
		`{"frame":"abc"}`:                              "Invalid message format: missing type",
		`{"type":""}`:                                  "Invalid message format: missing type",
		`{"type":"dance"}`:                             "Unknown message type: dance",
		`{"type":"update_strength","strength":"high"}`: "Invalid strength value: \"high\"",
	}
	for raw, want := range cases {
		bconn.reset()
		r.HandleMessage(context.Background(), b, []byte(raw))
		reply := bconn.last(t)
		assert.Equal(t, TypeError, reply["type"], raw)
		assert.Equal(t, want, reply["message"], raw)
	}
}

func TestDispatch_frame_validation(t *testing.T) {
	gate := newOpenGate()
	r := newTestRelay(t, gate, func(c *Config) { c.MaxFrameBytes = 16 })
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")

	cases := []struct {
		name  string
		frame string
		want  string
	}{
		{"empty", "", "Empty frame data received"},
		{"bad data url", "data:image/jpeg;base64" + b64("x"), "Invalid data URL format"},
		{"oversize", b64(strings.Repeat("x", 17)), "Frame size too large"},
		{"bad base64", "!!!!", "Invalid base64 frame data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bconn.reset()
			send(t, r, b, map[string]any{"type": "frame", "frame": tc.frame})
			reply := bconn.last(t)
			assert.Equal(t, TypeError, reply["type"])
			assert.Equal(t, tc.want, reply["message"])
		})
	}
	assert.Empty(t, gate.callFrames(), "rejected frames never reach admission")
}

func TestDispatch_frame_on_ended_stream(t *testing.T) {
	gate := newOpenGate()
	r := newTestRelay(t, gate)
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")

	send(t, r, b, map[string]any{"type": "end_stream"})
	confirm := bconn.waitType(t, TypeStreamEndedConfirmation, 1)[0]
	assert.Equal(t, "s1", confirm["streamId"])

	sendFrame(t, r, b, "F1")
	assert.Equal(t, "Stream has ended", bconn.last(t)["message"])
	assert.Empty(t, gate.callFrames())
}

func TestDispatch_queries(t *testing.T) {
	r := newTestRelay(t, newOpenGate())
	b, bconn := connect(t, r, "s1", RoleBroadcaster, "")

	send(t, r, b, map[string]any{"type": "ping"})
	assert.Equal(t, TypePong, bconn.last(t)["type"])

	send(t, r, b, map[string]any{"type": "get_processor_info"})
	info := bconn.last(t)
	assert.Equal(t, TypeProcessorInfo, info["type"])
	assert.Equal(t, "standard", info["processorType"])

	send(t, r, b, map[string]any{"type": "get_latest_frame"})
	latest := bconn.last(t)
	assert.Equal(t, TypeLatestFrame, latest["type"])
	assert.Nil(t, latest["frame"])
	assert.Equal(t, "No processed frame available", latest["message"])

	sendFrame(t, r, b, "F1")
	waitIdle(t, r, "s1")
	send(t, r, b, map[string]any{"type": "get_latest_frame"})
	assert.Equal(t, EncodeDataURL([]byte("styled:F1"), ""), bconn.last(t)["frame"])

	send(t, r, b, map[string]any{"type": "check_stream_status"})
	status := bconn.last(t)
	assert.Equal(t, TypeStreamStatus, status["type"])
	assert.Equal(t, true, status["active"])

	send(t, r, b, map[string]any{"type": "check_stream_status", "streamId": "nope"})
	status = bconn.last(t)
	assert.Equal(t, "nope", status["streamId"])
	assert.Equal(t, false, status["active"])
	assert.Equal(t, false, status["ended"])
}

func TestDecodeInbound(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"type":"update_negative_prompt","negative_prompt":"dark"}`))
	require.NoError(t, err)
	assert.Equal(t, CmdUpdateNegativePrompt, in.Kind)
	assert.Equal(t, "dark", in.Prompt)

	in, err = DecodeInbound([]byte(`{"type":"update_processor","processorType":"lightning"}`))
	require.NoError(t, err)
	assert.Equal(t, "lightning", in.Processor)

	in, err = DecodeInbound([]byte(`{"type":"unsubscribe_from_processed_frames"}`))
	require.NoError(t, err)
	assert.Equal(t, CmdUnsubscribe, in.Kind)

	in, err = DecodeInbound([]byte(`{"type":"update_strength","strength":0.3}`))
	require.NoError(t, err)
	require.NotNil(t, in.Strength)
	assert.Equal(t, 0.3, *in.Strength)

	_, err = DecodeInbound([]byte(`{"type":42}`))
	assert.ErrorIs(t, err, ErrProtocol)
}
