// Package identity manages the device server's local signing identity:
// an Ed25519 keypair persisted on disk and a symmetric key derived from
// it via HKDF, used to HMAC-tag audit log rows so they cannot be edited
// after the fact without detection. This has no bearing on the RMI wire
// handshake, which stays the plain textual AUTH exchange the protocol
// specifies — it only protects the server's own local bookkeeping.
package identity
