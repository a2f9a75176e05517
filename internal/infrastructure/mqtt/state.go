package mqtt

import (
	"context"
	"sync"
	"time"
)

// ConnState is the connection state of one bus client.
//
// It replaces a shared "connected" flag: readers query Connected() or wait
// on Changed(), which returns a channel closed at the next transition.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type ConnState struct {
	mu        sync.RWMutex
	connected bool
	lastErr   error
	since     time.Time
	sessions  uint64
	changed   chan struct{}
}

// NewConnState returns a disconnected state.
func NewConnState() *ConnState {
	return &ConnState{
		since:   time.Now(),
		changed: make(chan struct{}),
	}
}

// Connected reports whether the client currently holds a broker session.
func (s *ConnState) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// LastError returns the error that caused the most recent disconnect, if any.
func (s *ConnState) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Since returns when the current state was entered.
func (s *ConnState) Since() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}

// Sessions counts transitions to connected. A change in the value means
// the client reconnected, even if both transitions were missed.
func (s *ConnState) Sessions() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions
}

// Changed returns a channel that is closed on the next state transition.
// Call it again after it fires to wait for the following one.
func (s *ConnState) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// Set records a transition. Setting the current value again is a no-op and
// does not wake waiters. Exported for in-memory brokers used in tests.
func (s *ConnState) Set(connected bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected == connected {
		return
	}
	s.connected = connected
	s.since = time.Now()
	if connected {
		s.sessions++
		s.lastErr = nil
	} else {
		s.lastErr = err
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// WaitConnected blocks until the client is connected or ctx is done.
func (s *ConnState) WaitConnected(ctx context.Context) error {
	for {
		s.mu.RLock()
		connected, changed := s.connected, s.changed
		s.mu.RUnlock()
		if connected {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
