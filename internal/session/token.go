package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"mindprint/internal/canonical"
	"mindprint/internal/signer"
)

// TokenClaims is the signed content of a session token. Exp is Unix
// milliseconds.
type TokenClaims struct {
	SID   string `json:"sid"`
	Nonce string `json:"nonce"`
	Exp   int64  `json:"exp"`
}

var errMalformedToken = errors.New("session: malformed token")

// EncodeToken returns base64url(canonical(claims)) + "." + signature.
func EncodeToken(sig Signer, claims TokenClaims) (string, error) {
	payload, err := canonical.Marshal(claims)
	if err != nil {
		return "", err
	}
	return signer.EncodeSegment(payload) + "." + sig.SignBytes(payload), nil
}

// DecodeToken verifies the signature and returns the claims. The signature
// is checked over the canonical form of the decoded payload, so a token
// whose payload was re-encoded with different key order still verifies.
func DecodeToken(sig Signer, token string) (*TokenClaims, error) {
	encoded, mac, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || mac == "" || strings.Contains(mac, ".") {
		return nil, errMalformedToken
	}

	raw, err := signer.DecodeSegment(encoded)
	if err != nil {
		return nil, err
	}
	normalized, err := canonical.Normalize(raw)
	if err != nil {
		return nil, errMalformedToken
	}
	if !sig.VerifyBytes(normalized, mac) {
		return nil, errors.New("session: token signature mismatch")
	}

	var claims TokenClaims
	dec := json.NewDecoder(bytes.NewReader(normalized))
	if err := dec.Decode(&claims); err != nil {
		return nil, errMalformedToken
	}
	if claims.SID == "" || claims.Nonce == "" || claims.Exp <= 0 {
		return nil, errMalformedToken
	}
	return &claims, nil
}
