// Package signer handles HMAC-SHA256 signing for session tokens and
// certificate proofs.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"mindprint/internal/canonical"
)

// Errors
var (
	ErrMissingSecret = errors.New("signer: no signing secret configured for production")
	ErrEmptyKey      = errors.New("signer: empty key")
	ErrBadEncoding   = errors.New("signer: invalid base64url segment")
)

// DevelopmentSecret is the fallback master secret for non-production
// environments. Never use it in production.
const DevelopmentSecret = "mindprint-dev-signing-secret-change-in-production"

// Purpose labels keep the session and certificate keys independent when
// both are derived from one master secret.
type Purpose string

const (
	PurposeSessionToken Purpose = "mindprint/session-token/v1"
	PurposeCertificate  Purpose = "mindprint/certificate/v1"
)

const derivedKeySize = 32

// Secrets carries the configured secret material. Empty fields are absent.
type Secrets struct {
	// Production disables the development fallback.
	Production  bool
	Session     string
	Certificate string
	Master      string
}

// HMAC signs and verifies canonical JSON values with a single key.
type HMAC struct {
	key []byte
}

// NewHMAC returns a signer for the given key.
func NewHMAC(key []byte) (*HMAC, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMAC{key: k}, nil
}

// SignBytes returns the base64url (unpadded) HMAC-SHA256 of msg.
func (h *HMAC) SignBytes(msg []byte) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(msg)
	return EncodeSegment(mac.Sum(nil))
}

// Sign canonicalizes v and signs the resulting bytes.
func (h *HMAC) Sign(v any) (string, error) {
	msg, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return h.SignBytes(msg), nil
}

// VerifyBytes reports whether sig is the signature of msg. The comparison
// runs in constant time.
func (h *HMAC) VerifyBytes(msg []byte, sig string) bool {
	expected := h.SignBytes(msg)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Verify canonicalizes v and checks sig against it. Values that cannot be
// encoded never verify.
func (h *HMAC) Verify(v any, sig string) bool {
	msg, err := canonical.Marshal(v)
	if err != nil {
		return false
	}
	return h.VerifyBytes(msg, sig)
}

// Keyring holds the two independent signing keys.
type Keyring struct {
	session     *HMAC
	certificate *HMAC
	development bool
}

// NewKeyring resolves the session and certificate keys.
//
// A purpose-specific secret is used verbatim. Otherwise the key is derived
// from the master secret with HKDF-SHA256 under the purpose label. With no
// secret at all the development secret is used, unless Production is set,
// in which case ErrMissingSecret is returned.
func NewKeyring(s Secrets) (*Keyring, error) {
	kr := &Keyring{}

	master := s.Master
	needMaster := s.Session == "" || s.Certificate == ""
	if needMaster && master == "" {
		if s.Production {
			return nil, ErrMissingSecret
		}
		master = DevelopmentSecret
		kr.development = true
	}

	var err error
	kr.session, err = resolve(s.Session, master, PurposeSessionToken)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	kr.certificate, err = resolve(s.Certificate, master, PurposeCertificate)
	if err != nil {
		return nil, fmt.Errorf("certificate key: %w", err)
	}
	return kr, nil
}

func resolve(explicit, master string, purpose Purpose) (*HMAC, error) {
	if explicit != "" {
		return NewHMAC([]byte(explicit))
	}
	key, err := DeriveKey([]byte(master), purpose)
	if err != nil {
		return nil, err
	}
	return NewHMAC(key)
}

// DeriveKey expands master into a purpose-bound 32-byte key.
func DeriveKey(master []byte, purpose Purpose) ([]byte, error) {
	if len(master) == 0 {
		return nil, ErrEmptyKey
	}
	r := hkdf.New(sha256.New, master, []byte("mindprint"), []byte(purpose))
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Session returns the session-token signer.
func (k *Keyring) Session() *HMAC { return k.session }

// Certificate returns the certificate-proof signer.
func (k *Keyring) Certificate() *HMAC { return k.certificate }

// Development reports whether any key came from the development secret.
func (k *Keyring) Development() bool { return k.development }

// EncodeSegment encodes b as unpadded base64url.
func EncodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeSegment decodes base64url with or without padding.
func DecodeSegment(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, ErrBadEncoding
	}
	return b, nil
}
