package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Outbound message types.
const (
	TypeProcessorInfo           = "processor_info"
	TypeStyleUpdated            = "style_updated"
	TypeFrame                   = "frame"
	TypeFrameSkipped            = "frame_skipped"
	TypeError                   = "error"
	TypePromptUpdated           = "prompt_updated"
	TypeNegativePromptUpdated   = "negative_prompt_updated"
	TypeProcessorUpdated        = "processor_updated"
	TypeStrengthUpdated         = "strength_updated"
	TypeStreamEndedConfirmation = "stream_ended_confirmation"
	TypeStreamEnded             = "stream_ended"
	TypeStreamStatus            = "stream_status"
	TypePong                    = "pong"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeLatestFrame             = "latest_frame"
)

// ProcessorInfoMessage tells a client which processor its stream uses.
type ProcessorInfoMessage struct {
	Type          string `json:"type"`
	ProcessorType string `json:"processorType"`
	Message       string `json:"message,omitempty"`
}

// StyleUpdatedMessage carries the full set of style parameters.
type StyleUpdatedMessage struct {
	Type           string  `json:"type"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	ProcessorType  string  `json:"processorType"`
	Strength       float64 `json:"strength"`
}

// FrameMessage carries one image to viewers. Frame is always a data URL.
type FrameMessage struct {
	Type          string  `json:"type"`
	StreamID      string  `json:"streamId"`
	Frame         string  `json:"frame"`
	Timestamp     int64   `json:"timestamp"`
	IsOriginal    bool    `json:"is_original"`
	Processed     bool    `json:"processed"`
	ProcessorType string  `json:"processorType"`
	StylePrompt   string  `json:"style_prompt,omitempty"`
	Strength      float64 `json:"strength,omitempty"`
}

// NoticeMessage is a typed informational reply with a human-readable text.
type NoticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMessage reports a rejected command or a failed transformation.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PromptUpdatedMessage acknowledges update_prompt.
type PromptUpdatedMessage struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// NegativePromptUpdatedMessage acknowledges update_negative_prompt.
type NegativePromptUpdatedMessage struct {
	Type           string `json:"type"`
	NegativePrompt string `json:"negative_prompt"`
}

// ProcessorUpdatedMessage acknowledges update_processor and is relayed to viewers.
type ProcessorUpdatedMessage struct {
	Type          string `json:"type"`
	ProcessorType string `json:"processorType"`
}

// StrengthUpdatedMessage acknowledges update_strength.
type StrengthUpdatedMessage struct {
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

// StreamEndedMessage is used both for stream_ended and stream_ended_confirmation.
type StreamEndedMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	Message  string `json:"message"`
}

// StreamStatusMessage answers check_stream_status.
type StreamStatusMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	Active   bool   `json:"active"`
	Ended    bool   `json:"ended"`
	Message  string `json:"message"`
}

// PongMessage answers ping.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// LatestFrameMessage reports the cached processed frame; Frame is null when
// none is available.
type LatestFrameMessage struct {
	Type      string  `json:"type"`
	StreamID  string  `json:"streamId"`
	Frame     *string `json:"frame"`
	Timestamp int64   `json:"timestamp,omitempty"`
	Message   string  `json:"message,omitempty"`
}

func statusMessage(st StreamStatus) StreamStatusMessage {
	msg := "Stream is not active"
	switch {
	case st.Active:
		msg = "Stream is active"
	case st.Ended:
		msg = "Stream has ended"
	}
	return StreamStatusMessage{
		Type:     TypeStreamStatus,
		StreamID: string(st.StreamID),
		Active:   st.Active,
		Ended:    st.Ended,
		Message:  msg,
	}
}

func unixMillis(t time.Time) int64 { return t.UnixMilli() }

// Command is the closed set of inbound message kinds.
type Command int

const (
	CmdUnknown              Command = iota // unrecognized type
	CmdFrame                               // submit a video frame
	CmdUpdatePrompt                        // change the style prompt
	CmdUpdateNegativePrompt                // change the negative prompt
	CmdUpdateStrength                      // change the transformation strength
	CmdUpdateProcessor                     // switch processor type
	CmdEndStream                           // end the stream explicitly
	CmdPing                                // liveness check
	CmdGetStylePrompt                      // query the style parameters
	CmdGetProcessorInfo                    // query the processor in use
	CmdGetLatestFrame                      // query the cached processed frame
	CmdCheckStreamStatus                   // query a stream's status
	CmdSubscribe                           // receive processed frames as a broadcaster
	CmdUnsubscribe                         // stop receiving processed frames
)

var commandNames = map[string]Command{
	"frame":                             CmdFrame,
	"update_prompt":                     CmdUpdatePrompt,
	"update_negative_prompt":            CmdUpdateNegativePrompt,
	"update_strength":                   CmdUpdateStrength,
	"update_processor":                  CmdUpdateProcessor,
	"end_stream":                        CmdEndStream,
	"ping":                              CmdPing,
	"get_style_prompt":                  CmdGetStylePrompt,
	"get_processor_info":                CmdGetProcessorInfo,
	"get_latest_frame":                  CmdGetLatestFrame,
	"check_stream_status":               CmdCheckStreamStatus,
	"subscribe_to_processed_frames":     CmdSubscribe,
	"unsubscribe_to_processed_frames":   CmdUnsubscribe,
	"unsubscribe_from_processed_frames": CmdUnsubscribe,
}

func (c Command) String() string {
	for name, cmd := range commandNames {
		if cmd == c && name != "unsubscribe_from_processed_frames" {
			return name
		}
	}
	return "unknown"
}

// broadcasterOnly reports whether only a broadcaster may issue c.
func (c Command) broadcasterOnly() bool {
	switch c {
	case CmdFrame, CmdUpdatePrompt, CmdUpdateNegativePrompt, CmdUpdateStrength,
		CmdUpdateProcessor, CmdEndStream, CmdSubscribe, CmdUnsubscribe:
		return true
	default:
		return false
	}
}

// Inbound is a decoded client message. Only the fields relevant to Kind are set.
type Inbound struct {
	Kind     Command
	Type     string
	Frame    string
	Prompt   string
	Strength *float64
	// Processor is the raw requested processor name, validated by the dispatcher.
	Processor string
	StreamID  StreamID
}

type inboundWire struct {
	Type              *string         `json:"type"`
	Frame             string          `json:"frame"`
	Prompt            *string         `json:"prompt"`
	NegativePrompt    *string         `json:"negative_prompt"`
	NegativePromptAlt *string         `json:"negativePrompt"`
	Strength          json.RawMessage `json:"strength"`
	ProcessorType     string          `json:"processor_type"`
	ProcessorTypeAlt  string          `json:"processorType"`
	StreamID          string          `json:"streamId"`
}

// DecodeInbound parses one text message. Missing or non-string types and
// malformed JSON are protocol errors; unrecognized types decode to CmdUnknown.
func DecodeInbound(data []byte) (Inbound, error) {
	var w inboundWire
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return Inbound{}, protocolErr("Invalid message format")
	}
	if w.Type == nil || strings.TrimSpace(*w.Type) == "" {
		return Inbound{}, protocolErr("Invalid message format: missing type")
	}

	in := Inbound{
		Type:      *w.Type,
		Kind:      commandNames[strings.TrimSpace(*w.Type)],
		Frame:     w.Frame,
		Processor: firstNonEmpty(w.ProcessorType, w.ProcessorTypeAlt),
		StreamID:  StreamID(w.StreamID),
	}

	switch in.Kind {
	case CmdUpdateNegativePrompt:
		if w.NegativePrompt != nil {
			in.Prompt = *w.NegativePrompt
		} else if w.NegativePromptAlt != nil {
			in.Prompt = *w.NegativePromptAlt
		} else if w.Prompt != nil {
			in.Prompt = *w.Prompt
		}
	default:
		if w.Prompt != nil {
			in.Prompt = *w.Prompt
		}
	}

	if len(w.Strength) > 0 && string(w.Strength) != "null" {
		v, err := parseStrength(w.Strength)
		if err != nil {
			return Inbound{}, validationErr("Invalid strength value: %s", string(w.Strength))
		}
		in.Strength = &v
	}
	return in, nil
}

// parseStrength accepts a JSON number or a numeric string.
func parseStrength(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
