// Package statusapi exposes a loopback-only HTTP endpoint for
// operational visibility into the device server: current session
// state and a tail of the audit log. It sits entirely outside the RMI
// wire protocol (which has no HTTP surface at all) and exists purely
// for operators, gated by a bearer API key.
package statusapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/avaropoint/rmi/internal/audit"
)

// keyPrefix marks every minted status API key so it is recognizable at
// a glance in a log line or support ticket without looking it up.
const keyPrefix = "rmi_"

// GenerateKey mints a new status API key under name, which must be
// non-empty; this is the one opportunity for a caller to see the raw
// key, since only its hash is ever persisted.
func GenerateKey(name string) (*audit.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("statusapi: key name must not be empty")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("statusapi: generate key: %w", err)
	}
	key := keyPrefix + hex.EncodeToString(raw)

	apiKey := &audit.APIKey{
		ID:        randomHex(8),
		Name:      name,
		KeyHash:   HashKey(key),
		Prefix:    key[:len(keyPrefix)+12],
		CreatedAt: time.Now(),
	}

	return apiKey, key, nil
}

// HashKey returns the lookup hash stored for a status API key; the
// store only ever sees this value, never the raw key itself.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}
