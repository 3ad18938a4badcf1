package relay

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"stream-relay/internal/transform"
)

// Session is the mutable per-stream record: style parameters, the
// single-flight flag and the frame caches. Every field is guarded by mu.
type Session struct {
	id        StreamID
	createdAt time.Time

	// pubMu orders frame deliveries against the stream_ended notice.
	pubMu sync.Mutex

	mu              sync.Mutex
	stylePrompt     string
	negativePrompt  string
	strength        float64
	processor       transform.ProcessorType
	processing      bool
	latestRaw       *Frame
	latestProcessed *Frame
	ended           bool
	nextSeq         uint64
}

// SessionState is a consistent copy of a session's observable fields.
type SessionState struct {
	StreamID       StreamID
	StylePrompt    string
	NegativePrompt string
	Strength       float64
	Processor      transform.ProcessorType
	Processing     bool
	Ended          bool
	HasProcessed   bool
	CreatedAt      time.Time
}

func newSession(id StreamID, d SessionDefaults) *Session {
	return &Session{
		id:             id,
		createdAt:      time.Now().UTC(),
		stylePrompt:    d.StylePrompt,
		negativePrompt: d.NegativePrompt,
		strength:       d.Strength,
		processor:      d.Processor,
	}
}

// ID returns the stream id the session belongs to.
func (s *Session) ID() StreamID { return s.id }

// State returns a snapshot of the session.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{
		StreamID:       s.id,
		StylePrompt:    s.stylePrompt,
		NegativePrompt: s.negativePrompt,
		Strength:       s.strength,
		Processor:      s.processor,
		Processing:     s.processing,
		Ended:          s.ended,
		HasProcessed:   s.latestProcessed != nil,
		CreatedAt:      s.createdAt,
	}
}

// Params returns the transformation parameters as of now.
func (s *Session) Params() transform.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transform.Params{
		Prompt:         s.stylePrompt,
		NegativePrompt: s.negativePrompt,
		Strength:       s.strength,
		Processor:      s.processor,
	}
}

// Ended reports whether the stream has been terminated.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetPrompt replaces the style prompt and returns the previous one. Blank
// prompts are rejected without mutation.
func (s *Session) SetPrompt(prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", validationErr("Empty prompt received")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stylePrompt
	s.stylePrompt = prompt
	return prev, nil
}

// SetNegativePrompt replaces the negative prompt; an empty value clears it.
func (s *Session) SetNegativePrompt(prompt string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.negativePrompt
	s.negativePrompt = strings.TrimSpace(prompt)
	return prev
}

// SetStrength stores v if it lies within [MinStrength, MaxStrength].
func (s *Session) SetStrength(v float64) (float64, error) {
	if math.IsNaN(v) || v < MinStrength || v > MaxStrength {
		return 0, validationErr("Strength must be between %.1f and %.1f, got %v", MinStrength, MaxStrength, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.strength
	s.strength = v
	return prev, nil
}

// SetProcessor switches the processor type. Unknown types are rejected.
func (s *Session) SetProcessor(p transform.ProcessorType) (transform.ProcessorType, error) {
	if _, err := transform.ParseProcessorType(string(p)); err != nil {
		return "", validationErr("Invalid processor type: %s", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.processor
	s.processor = p
	return prev, nil
}

// End marks the session ended and drops the frame caches. It reports whether
// this call performed the transition. An in-flight transformation keeps the
// processing flag until it completes.
func (s *Session) End() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	s.latestProcessed = nil
	s.latestRaw = nil
	return true
}

// Revive clears the ended flag so a reconnecting broadcaster can resume the
// stream. It reports whether the session had been ended.
func (s *Session) Revive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		return false
	}
	s.ended = false
	return true
}

// LatestProcessed returns the cached processed frame, or nil when there is
// none or the stream has ended.
func (s *Session) LatestProcessed() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.latestProcessed == nil {
		return nil
	}
	f := *s.latestProcessed
	return &f
}

// commitProcessed caches f as the latest processed frame unless the stream
// ended while it was being produced.
func (s *Session) commitProcessed(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.latestProcessed = &f
	return true
}

// publish runs fn unless the session has ended. No publish overlaps
// publishFinal, so once the end notice goes out no frame follows it.
func (s *Session) publish(fn func()) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.Ended() {
		return false
	}
	fn()
	return true
}

// publishFinal runs fn after any publish in progress has finished.
func (s *Session) publishFinal(fn func()) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	fn()
}

// SessionStore owns every live Session. The map lock is held only for lookups;
// session mutators lock their own session.
type SessionStore struct {
	defaults SessionDefaults

	mu       sync.RWMutex
	sessions map[StreamID]*Session
}

// NewSessionStore returns an empty store that seeds sessions with d.
func NewSessionStore(d SessionDefaults) *SessionStore {
	return &SessionStore{defaults: d, sessions: make(map[StreamID]*Session)}
}

// GetOrCreate returns the session for id, creating it with defaults if needed.
func (st *SessionStore) GetOrCreate(id StreamID) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s, false
	}
	s := newSession(id, st.defaults)
	st.sessions[id] = s
	return s, true
}

// Get returns the session for id if one exists.
func (st *SessionStore) Get(id StreamID) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes the session for id. The removed session is ended so that a
// transformation still running against it never publishes.
func (st *SessionStore) Delete(id StreamID) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		s.End()
	}
}

// Len returns the number of sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// IDs returns the stream ids with a session, sorted.
func (st *SessionStore) IDs() []StreamID {
	st.mu.RLock()
	ids := make([]StreamID, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
