package notifier

import "github.com/jmerrifield20/evidencechain/internal/evidence/model"

// Subscription is one subscriber session.
type Subscription struct {
	Kind     model.Kind
	Snapshot []Event

	events    chan Event
	err       error // guarded by n.mu; set before events is closed
	n         *Notifier
	stopWatch func() bool
}

// Events delivers live inserts in commit order. It is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Events() <-chan Event { return s.events }

// Err reports why Events was closed: ErrLagged, ErrStopped, the context's
// error, or nil after Close.
func (s *Subscription) Err() error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.n.remove(s, nil)
}
