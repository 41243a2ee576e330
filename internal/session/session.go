// Package session owns the per-connection lifecycle shared by every decoy
// protocol: the state machine, credential policy enforcement and the
// append-only host event log.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/deception"
)

// State is one step of the session lifecycle.
type State int

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validTransitions encodes the lifecycle graph. Closing is reachable from
// every live state so transport failures always have an exit path.
var validTransitions = map[State][]State{
	StateConnected:      {StateAuthenticating, StateClosing},
	StateAuthenticating: {StateAuthenticated, StateAuthenticating, StateClosing},
	StateAuthenticated:  {StateActive, StateClosing},
	StateActive:         {StateActive, StateClosing},
	StateClosing:        {StateClosed},
	StateClosed:         {},
}

// Session is the mutable per-connection record. One goroutine drives it;
// the mutex only guards the state word, which the runtime's drain path
// inspects from outside.
type Session struct {
	ID         string
	Host       string
	Service    schemas.ServiceKind
	RemoteAddr string
	StartedAt  time.Time

	// Ctx is the interpreter-visible view: identity, cwd, history.
	Ctx deception.SessionContext

	mu        sync.Mutex
	state     State
	malformed int
}

// New creates a session in the Connected state with a fresh identifier.
func New(host string, service schemas.ServiceKind, remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Host:       host,
		Service:    service,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now().UTC(),
		Ctx: deception.SessionContext{
			Service:    service,
			CWD:        "/",
			Home:       "/",
			RemoteAddr: remoteAddr,
		},
		state: StateConnected,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next, rejecting moves the lifecycle
// graph does not allow.
func (s *Session) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range validTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", s.state, next)
}

// ForceClosing jumps to Closing from any live state. Used on transport
// errors and shutdown drains; a no-op once the session is closing or
// closed.
func (s *Session) ForceClosing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosing && s.state != StateClosed {
		s.state = StateClosing
	}
}

// NoteMalformed counts one unparseable input and reports whether the
// configured threshold is now exceeded.
func (s *Session) NoteMalformed(threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed++
	return threshold > 0 && s.malformed >= threshold
}

// Event stamps a partially-filled interpreter event with the session's
// identity and a timestamp.
func (s *Session) Event(ev schemas.Event) schemas.Event {
	ev.Host = s.Host
	ev.Service = s.Service
	ev.SessionID = s.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	if _, ok := ev.Payload["client"]; !ok && s.RemoteAddr != "" {
		ev.Payload["client"] = s.RemoteAddr
	}
	return ev
}
