package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Session handles are opaque strings of the form
//
//	sess_<hex rand256>.<hex rand128>.<hex tag>
//
// where tag is the first 9 bytes of HMAC-SHA256 over the two random parts.
// Only the random parts carry entropy; the tag lets validation reject forged
// or corrupted handles without any store I/O.

const handlePrefix = "sess_"

// handleTagBytes is the truncated HMAC length appended to a handle.
const handleTagBytes = 9

// ErrInvalidHandle is returned when a handle fails shape or integrity checks.
var ErrInvalidHandle = errors.New("invalid session handle")

// HandleMinter mints and verifies session handles with a derived HMAC key.
type HandleMinter struct {
	key []byte
}

// NewHandleMinter returns a minter using the given 32-byte HMAC key
// (derive it with DeriveKey(secret, "session-handle")).
func NewHandleMinter(key []byte) (*HandleMinter, error) {
	if len(key) < 32 {
		return nil, ErrInvalidKey
	}
	return &HandleMinter{key: key}, nil
}

// Mint returns a fresh handle.
func (m *HandleMinter) Mint() (string, error) {
	a := make([]byte, 32)
	b := make([]byte, 16)
	if _, err := rand.Read(a); err != nil {
		return "", err
	}
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	payload := hex.EncodeToString(a) + "." + hex.EncodeToString(b)
	return handlePrefix + payload + "." + m.tag(payload), nil
}

// Verify checks shape and HMAC tag. It performs no I/O; a nil return means the
// handle was minted by this service (or a holder of the key) and is intact.
func (m *HandleMinter) Verify(handle string) error {
	if !strings.HasPrefix(handle, handlePrefix) {
		return ErrInvalidHandle
	}
	rest := handle[len(handlePrefix):]
	parts := strings.Split(rest, ".")
	if len(parts) != 3 || len(parts[0]) != 64 || len(parts[1]) != 32 || len(parts[2]) != handleTagBytes*2 {
		return ErrInvalidHandle
	}
	payload := parts[0] + "." + parts[1]
	if subtle.ConstantTimeCompare([]byte(m.tag(payload)), []byte(parts[2])) != 1 {
		return ErrInvalidHandle
	}
	return nil
}

func (m *HandleMinter) tag(payload string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)[:handleTagBytes])
}

// NewCSRFToken returns a random hex token for the CSRF witness cookie.
func NewCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
