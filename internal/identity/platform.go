package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// Device holds the server's Ed25519 identity keypair and a symmetric
// key derived from it via HKDF, used to HMAC-tag audit log rows.
type Device struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	auditKey   []byte
}

// Fingerprint returns the SHA-256 hex fingerprint of the device public
// key, a stable identifier for this server instance independent of
// hostname or listen address.
func (d *Device) Fingerprint() string {
	h := sha256.Sum256(d.PublicKey)
	return hex.EncodeToString(h[:])
}

// SignAuditRow produces an HMAC-SHA-512 tag over the canonical bytes of
// an audit log row. Callers build the canonical representation (see
// internal/audit) and pass it here; the tag is stored alongside the row.
func (d *Device) SignAuditRow(canonical []byte) []byte {
	return hmacSHA512(d.auditKey, canonical)
}

// VerifyAuditRow reports whether tag matches the HMAC of canonical
// under this device's audit key.
func (d *Device) VerifyAuditRow(canonical, tag []byte) bool {
	return hmacEqual(tag, hmacSHA512(d.auditKey, canonical))
}

// LoadOrCreate loads the device keypair from dataDir, generating and
// persisting a new one on first run.
func LoadOrCreate(dataDir string) (*Device, error) {
	keyPath := filepath.Join(dataDir, "device.key")
	if _, err := os.Stat(keyPath); err == nil {
		return load(keyPath)
	}
	return generate(keyPath)
}

func load(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("identity: invalid key file %s", path)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: invalid key size in %s", path)
	}

	priv := ed25519.NewKeyFromSeed(block.Bytes)
	return fromPrivateKey(priv), nil
}

func generate(path string) (*Device, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}

	block := &pem.Block{Type: "PRIVATE KEY", Bytes: priv.Seed()}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("identity: create key file: %w", err)
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("identity: write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("identity: close key file: %w", err)
	}

	return fromPrivateKey(priv), nil
}

func fromPrivateKey(priv ed25519.PrivateKey) *Device {
	auditKey := make([]byte, 64)
	kdf := hkdf.New(sha512.New, priv.Seed(), []byte("rmi-device-v1"), []byte("audit-log-signing"))
	io.ReadFull(kdf, auditKey) //nolint:errcheck

	return &Device{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
		auditKey:   auditKey,
	}
}
