package relay

import (
	"strings"
	"time"

	"stream-relay/internal/transform"
)

// StreamID uniquely identifies a live stream. It is the only key correlating
// connections, session parameters and cached frames.
type StreamID string

// Role is the part a connection plays in a stream.
type Role int

const (
	RoleBroadcaster Role = iota + 1
	RoleViewer
	// RoleEchoSubscriber marks a broadcaster that also receives processed frames.
	RoleEchoSubscriber
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleViewer:
		return "viewer"
	case RoleEchoSubscriber:
		return "echo_subscriber"
	default:
		return "unknown"
	}
}

// ParseClientType maps the {clientType} path segment to a Role. Only
// broadcaster and viewer can be requested by clients.
func ParseClientType(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "broadcaster":
		return RoleBroadcaster, true
	case "viewer":
		return RoleViewer, true
	default:
		return 0, false
	}
}

const (
	DefaultStylePrompt    = "A painting in the style of van Gogh's 'Starry Night'"
	DefaultNegativePrompt = "ugly, deformed, disfigured, poor details, bad anatomy"
	DefaultStrength       = 0.9

	MinStrength = 0.1
	MaxStrength = 1.0

	// DefaultMaxFrameBytes is 1.9 MiB of decoded image data, a margin under the
	// 2 MiB message cap of common WebSocket gateways.
	DefaultMaxFrameBytes = 1992294

	defaultFrameMIME = "image/jpeg"
)

// Frame is one encoded image plus the metadata the relay needs to order it.
// Seq is assigned by the owning session and increases monotonically; two
// frames are the same frame iff their Seq match.
type Frame struct {
	Seq        uint64
	Data       []byte
	MIME       string
	ReceivedAt time.Time
}

// SessionDefaults seeds newly created sessions.
type SessionDefaults struct {
	StylePrompt    string
	NegativePrompt string
	Strength       float64
	Processor      transform.ProcessorType
}

// DefaultSessionDefaults returns the stock parameters for a new stream.
func DefaultSessionDefaults() SessionDefaults {
	return SessionDefaults{
		StylePrompt:    DefaultStylePrompt,
		NegativePrompt: DefaultNegativePrompt,
		Strength:       DefaultStrength,
		Processor:      transform.DefaultProcessor,
	}
}

// StreamStatus is the externally visible state of a stream id.
// Unknown ids report Active=false, Ended=false.
type StreamStatus struct {
	StreamID StreamID
	Active   bool
	Ended    bool
}

// StreamInfo is one row of the GET /streams listing.
type StreamInfo struct {
	ID               StreamID `json:"id"`
	BroadcasterCount int      `json:"broadcasterCount"`
	ViewerCount      int      `json:"viewerCount"`
	ProcessorType    string   `json:"processorType"`
	Strength         float64  `json:"strength"`
	Ended            bool     `json:"ended"`
}
