// Package session holds the per-installation session record keyed by
// (public_key, hw_id), proof-of-possession for which is a signed timestamp.
package session

import "time"

// Session is the triple (account, public_key, hw_id) representing one
// client installation. A session's private key lives only on the client;
// the authority stores only the public key.
type Session struct {
	AccountID int64
	// PublicKey is the raw 32-byte Ed25519 public key of the client's
	// session key pair.
	PublicKey []byte
	// HWID is a 32-byte salted hash of a machine-unique string, a weak
	// binding between a session and a device.
	HWID      [32]byte
	CreatedAt time.Time
}

// SignRequest is the shape shared by /sign, /logout and /account-info: a
// timestamp signed by the session's private key proves possession without
// transmitting the key itself.
type SignRequest struct {
	PublicKey []byte
	HWID      [32]byte
	Timestamp time.Time
	Signature []byte
}

// ClockSkew bounds how far a SignRequest's timestamp may drift from server
// time in either direction before it is rejected.
const ClockSkew = 20 * time.Minute

// WithinSkew reports whether ts is within ClockSkew of now in either
// direction.
func WithinSkew(now, ts time.Time) bool {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	return d < ClockSkew
}
