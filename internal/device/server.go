// Package device implements the device-resident RMI server: a
// single-client accept loop that authenticates, dispatches the command
// table, streams screenshots and file transfers, and can replace its
// own binary and restart itself.
package device

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/rmi/internal/audit"
	"github.com/avaropoint/rmi/internal/identity"
	"github.com/avaropoint/rmi/internal/statusapi"
	"github.com/avaropoint/rmi/internal/transport"
)

const idleTimeout = 5 * time.Second
const maxCommandFrame = 64 << 10 // 64 KiB is generous for any textual command line

// Options configures a Server at construction time.
type Options struct {
	Addr         string
	Config       *Config
	Logger       *log.Logger
	Audit        audit.Store
	Identity     *identity.Device
	Argv         []string
	SelfPath     string
	ScreencapBin string
	LauncherCmd  string
	PressUID     int
	PressGID     int
}

// Server is the accept-one-client-at-a-time RMI device server.
type Server struct {
	cfg          *Config
	logger       *log.Logger
	audit        audit.Store
	identity     *identity.Device
	argv         []string
	selfPath     string
	screencapBin string
	launcherCmd  string
	pressUID     int
	pressGID     int

	listener net.Listener

	mu      sync.Mutex
	current *session
}

// New constructs a Server from opts. A nil Logger defaults to the
// standard library's default logger.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:          opts.Config,
		logger:       logger,
		audit:        opts.Audit,
		identity:     opts.Identity,
		argv:         opts.Argv,
		selfPath:     opts.SelfPath,
		screencapBin: opts.ScreencapBin,
		launcherCmd:  opts.LauncherCmd,
		pressUID:     opts.PressUID,
		pressGID:     opts.PressGID,
	}
}

// Snapshot implements statusapi.SessionSource.
func (srv *Server) Snapshot() statusapi.SessionSnapshot {
	srv.mu.Lock()
	sess := srv.current
	srv.mu.Unlock()

	if sess == nil {
		return statusapi.SessionSnapshot{Connected: false}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return statusapi.SessionSnapshot{
		Connected:     true,
		RemoteAddr:    sess.remoteAddr,
		Authenticated: sess.state == Authenticated || sess.state == Restarting,
		Restarting:    sess.state == Restarting,
		ConnectedAt:   sess.connectedAt,
		LastCommand:   sess.lastCommand,
	}
}

// ListenAndServe binds addr and runs the accept loop until a client
// session requests SHUTDOWN or RESTART, or listening itself fails.
// On RESTART it re-execs the process with the original argv and never
// returns; on SHUTDOWN it returns nil.
func (srv *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("device: listen on %s: %w", addr, err)
	}
	srv.listener = ln
	defer ln.Close() //nolint:errcheck

	srv.logger.Printf("device server listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("device: accept: %w", err)
		}

		out := srv.handleClient(transport.WrapConn(conn))
		conn.Close() //nolint:errcheck

		switch out {
		case outcomeContinue:
			continue
		case outcomeShutdown:
			srv.logger.Printf("device server shutting down")
			return nil
		case outcomeRestart:
			srv.logger.Printf("device server restarting")
			return srv.reexec()
		}
	}
}

// reexec replaces the current process image with a fresh invocation of
// the same binary and original argv, so RESTART behaves like the
// reference implementation's re-exec rather than a subprocess spawn.
func (srv *Server) reexec() error {
	exe := srv.selfPath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("device: resolve self path for restart: %w", err)
		}
	}
	return reexecProcess(exe, srv.argv)
}

func (srv *Server) handleClient(conn *transport.Conn) outcome {
	sess := newSession(conn.RemoteAddr().String())

	srv.mu.Lock()
	srv.current = sess
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		srv.current = nil
		srv.mu.Unlock()
	}()

	sessionID := uuid.NewString()
	srv.recordAudit(sessionID, sess.remoteAddr, audit.KindSessionStart, "")
	defer srv.recordAudit(sessionID, sess.remoteAddr, audit.KindSessionEnd, "")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			srv.logger.Printf("device: set deadline: %v", err)
			return outcomeContinue
		}

		payload, err := readCommandFrame(conn)
		if err != nil {
			if isTimeoutErr(err) {
				if sendErr := sendText(conn, rmiHeartbeat); sendErr != nil {
					srv.logger.Printf("device: heartbeat send failed: %v", sendErr)
					return outcomeContinue
				}
				continue
			}
			return outcomeContinue
		}

		out, derr := srv.dispatch(conn, sess, sessionID, payload)
		if derr != nil {
			srv.logger.Printf("device: command error from %s: %v", sess.remoteAddr, derr)
		}
		if out != outcomeContinue {
			return out
		}
		if sess.getState() == Terminated {
			return outcomeContinue
		}
	}
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	for e := err; e != nil; {
		if tt, ok := e.(timeouter); ok {
			t = tt
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return t != nil && t.Timeout()
}

// recordAudit appends one audit row and, if a device identity is
// configured, signs it. The row must be inserted before it can be
// signed: Canonical() feeds Seq into the tag so a row can't be
// reordered without invalidating it, and Seq isn't known until SQLite
// assigns it on insert. The tag therefore lands in a second write,
// via SetTag, once the real Seq is in hand.
func (srv *Server) recordAudit(sessionID, remoteAddr string, kind audit.Kind, detail string) {
	if srv.audit == nil {
		return
	}
	e := &audit.Event{
		ID:         sessionID,
		At:         time.Now(),
		RemoteAddr: remoteAddr,
		Kind:       kind,
		Detail:     detail,
	}
	seq, err := srv.audit.RecordEvent(context.Background(), e)
	if err != nil {
		srv.logger.Printf("device: audit record failed: %v", err)
		return
	}
	if srv.identity == nil {
		return
	}
	e.Seq = seq
	tag := srv.identity.SignAuditRow(e.Canonical())
	if err := srv.audit.SetTag(context.Background(), seq, tag); err != nil {
		srv.logger.Printf("device: audit tag failed: %v", err)
	}
}
