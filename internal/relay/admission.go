package relay

import (
	"context"
	"sync"
	"time"
)

// Admission is the outcome of offering a frame to a session.
type Admission int

const (
	// AdmissionStarted means the frame started a new transformation task.
	AdmissionStarted Admission = iota + 1
	// AdmissionCoalesced means a task is in flight; the frame is now the
	// latest and will be picked up when that task completes.
	AdmissionCoalesced
	// AdmissionEnded means the stream has ended and the frame was dropped.
	AdmissionEnded
)

func (a Admission) String() string {
	switch a {
	case AdmissionStarted:
		return "started"
	case AdmissionCoalesced:
		return "coalesced"
	case AdmissionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// admit records a new raw frame as the latest and claims the single-flight
// slot if it is free.
func (s *Session) admit(data []byte, mime string, now time.Time) (Frame, Admission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Frame{}, AdmissionEnded
	}
	s.nextSeq++
	f := Frame{Seq: s.nextSeq, Data: data, MIME: mime, ReceivedAt: now}
	s.latestRaw = &f
	if s.processing {
		return f, AdmissionCoalesced
	}
	s.processing = true
	return f, AdmissionStarted
}

// complete is called when the task holding the single-flight slot is done
// with processed. It returns the frame to process next, keeping the slot, or
// releases the slot when processed is still the latest frame or the stream
// has ended.
func (s *Session) complete(processed Frame) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.latestRaw == nil || s.latestRaw.Seq == processed.Seq {
		s.processing = false
		return Frame{}, false
	}
	return *s.latestRaw, true
}

// AdmissionController keeps at most one transformation in flight per session
// and coalesces backlog to the newest frame.
type AdmissionController struct {
	orch *Orchestrator
	ctx  context.Context
	now  func() time.Time

	wg sync.WaitGroup
}

// NewAdmissionController returns a controller that runs tasks on orch. ctx
// bounds every task it starts.
func NewAdmissionController(ctx context.Context, orch *Orchestrator) *AdmissionController {
	return &AdmissionController{orch: orch, ctx: ctx, now: time.Now}
}

// Submit offers a decoded frame to sess. When the frame claims the
// single-flight slot a task is started in the background.
func (a *AdmissionController) Submit(sess *Session, data []byte, mime string) (Frame, Admission) {
	f, res := sess.admit(data, mime, a.now())
	if res != AdmissionStarted {
		return f, res
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.orch.Run(a.ctx, sess, f, a.Complete)
	}()
	return f, res
}

// Complete is the completion hook invoked by the orchestrator after every
// frame, successful or not.
func (a *AdmissionController) Complete(sess *Session, processed Frame) (Frame, bool) {
	return sess.complete(processed)
}

// Wait blocks until every started task has returned.
func (a *AdmissionController) Wait() {
	a.wg.Wait()
}
