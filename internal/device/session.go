package device

import (
	"sync"
	"time"
)

// State is the per-client session state: AwaitAuth -> Authenticated ->
// Terminated, with a distinguished Restarting state entered once a
// RESTART has been accepted and acknowledged but the accept loop has
// not yet torn the connection down and re-exec'd.
type State int

const (
	AwaitAuth State = iota
	Authenticated
	Restarting
	Terminated
)

// outcome tells the accept loop what to do with the listener and
// process after a client session returns.
type outcome int

const (
	outcomeContinue outcome = iota
	outcomeShutdown
	outcomeRestart
)

const maxAuthAttempts = 3

// session tracks one client's state across its connection lifetime.
type session struct {
	state        State
	authAttempts int
	remoteAddr   string
	connectedAt  time.Time
	lastCommand  string

	mu sync.Mutex
}

func newSession(remoteAddr string) *session {
	return &session{
		state:       AwaitAuth,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
	}
}

func (s *session) setLastCommand(cmd string) {
	s.mu.Lock()
	s.lastCommand = cmd
	s.mu.Unlock()
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
