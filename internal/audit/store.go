// Package audit persists the device server's session and
// command-dispatch history, plus the API keys that gate the local
// status endpoint (internal/statusapi). Neither concern is part of the
// RMI wire protocol's data model; both are operational bookkeeping a
// real deployment of this daemon would want.
package audit

import (
	"context"
	"strconv"
	"time"
)

// Store is the persistence interface for audit rows and status API
// keys. Implementations must be safe for concurrent use.
type Store interface {
	// RecordEvent appends one audit row and returns its assigned
	// sequence number. e.Seq and e.Tag are not known to the caller
	// before this returns, so a tag signed over Canonical() must be
	// persisted afterward via SetTag, once Seq is known.
	RecordEvent(ctx context.Context, e *Event) (int64, error)
	// SetTag updates the persisted tag for the row at seq, used once
	// the caller has computed a tag over Canonical() with the row's
	// real, store-assigned sequence number.
	SetTag(ctx context.Context, seq int64, tag []byte) error
	// ListEvents returns the most recent rows, newest first, capped at
	// limit.
	ListEvents(ctx context.Context, limit int) ([]*Event, error)

	CreateAPIKey(ctx context.Context, key *APIKey) error
	VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error

	Close() error
}

// Kind enumerates the audit event categories recorded per session.
type Kind string

const (
	KindSessionStart Kind = "SESSION_START"
	KindSessionEnd   Kind = "SESSION_END"
	KindAuthFail     Kind = "AUTH_FAIL"
	KindCommand      Kind = "COMMAND"
)

// Event is one row of the audit trail. Tag is the HMAC-SHA-512 over
// Canonical(), computed by the caller using the device identity key and
// stored alongside the row so edits after the fact can be detected.
type Event struct {
	Seq        int64
	ID         string
	At         time.Time
	RemoteAddr string
	Kind       Kind
	Detail     string
	Tag        []byte
}

// Canonical returns the deterministic byte representation of e that is
// fed to the HMAC. Seq is included so a row cannot be reordered without
// invalidating its tag; Tag itself is obviously excluded.
func (e *Event) Canonical() []byte {
	return []byte(
		strconv.FormatInt(e.Seq, 10) + "\x00" +
			e.ID + "\x00" +
			e.At.UTC().Format(time.RFC3339Nano) + "\x00" +
			e.RemoteAddr + "\x00" +
			string(e.Kind) + "\x00" +
			e.Detail,
	)
}

// APIKey grants access to the local status endpoint.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	Prefix    string
	CreatedAt time.Time
	LastUsed  *time.Time
}
