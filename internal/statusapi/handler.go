package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avaropoint/rmi/internal/audit"
	"github.com/avaropoint/rmi/internal/identity"
)

var errNotLoopback = errors.New("statusapi: listen address must be loopback")

// SessionSnapshot is a point-in-time view of the device server's single
// active client session, if any.
type SessionSnapshot struct {
	Connected     bool      `json:"connected"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Restarting    bool      `json:"restarting,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastCommand   string    `json:"last_command,omitempty"`
}

// SessionSource is implemented by the device server to expose its
// current session state without statusapi depending on the device
// package directly.
type SessionSource interface {
	Snapshot() SessionSnapshot
}

// Server serves the loopback-only status endpoint.
type Server struct {
	store    audit.Store
	session  SessionSource
	identity *identity.Device
	auth     *AuthMiddleware

	mu  sync.Mutex
	srv *http.Server
}

// New creates a status server backed by store and session. dev, if
// non-nil, is used to verify each audit row's tag before it is served
// from /audit; a nil dev means verification is skipped and every row
// is reported unverified, the same as an unsigned row would be.
func New(store audit.Store, session SessionSource, dev *identity.Device) *Server {
	return &Server{
		store:    store,
		session:  session,
		identity: dev,
		auth:     NewAuthMiddleware(store),
	}
}

// ListenAndServe binds to addr, which must resolve to a loopback
// address, and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if !isLoopback(ln.Addr()) {
		ln.Close() //nolint:errcheck
		return errNotLoopback
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.auth.Wrap(s.handleStatus))
	mux.HandleFunc("/audit", s.auth.Wrap(s.handleAudit))

	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		srv.Close() //nolint:errcheck
	}()

	err = srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

// auditRow is one /audit response entry: the stored event plus
// whether its tag still matches its contents, so a row edited after
// the fact (or never signed) is visibly distinct from an intact one.
type auditRow struct {
	*audit.Event
	Verified bool `json:"verified"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.store.ListEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, `{"error":"failed to read audit log"}`, http.StatusInternalServerError)
		return
	}

	rows := make([]auditRow, len(events))
	for i, e := range events {
		verified := s.identity != nil && s.identity.VerifyAuditRow(e.Canonical(), e.Tag)
		rows[i] = auditRow{Event: e, Verified: verified}
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isLoopback(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcpAddr.IP.IsLoopback()
}
