package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindprint/internal/signer"
)

func TestTokenRoundTrip(t *testing.T) {
	sig, err := signer.NewHMAC([]byte("token-secret"))
	require.NoError(t, err)

	claims := TokenClaims{SID: "sess-abc", Nonce: "0123456789abcdef01234567", Exp: 1700000000000}
	tok, err := EncodeToken(sig, claims)
	require.NoError(t, err)

	payload, _, ok := strings.Cut(tok, ".")
	require.True(t, ok)
	raw, err := signer.DecodeSegment(payload)
	require.NoError(t, err)
	assert.Equal(t, `{"exp":1700000000000,"nonce":"0123456789abcdef01234567","sid":"sess-abc"}`, string(raw))
	assert.NotContains(t, tok, "=")

	got, err := DecodeToken(sig, tok)
	require.NoError(t, err)
	assert.Equal(t, claims, *got)
}

func TestTokenAcceptsReorderedPayload(t *testing.T) {
	sig, err := signer.NewHMAC([]byte("token-secret"))
	require.NoError(t, err)
	tok, err := EncodeToken(sig, TokenClaims{SID: "sess-abc", Nonce: "n1", Exp: 42})
	require.NoError(t, err)
	_, mac, _ := strings.Cut(tok, ".")

	reordered := signer.EncodeSegment([]byte(`{"sid":"sess-abc", "nonce":"n1", "exp":42}`))
	got, err := DecodeToken(sig, reordered+"."+mac)
	require.NoError(t, err)
	assert.Equal(t, "sess-abc", got.SID)
}

func TestTokenRejections(t *testing.T) {
	sig, err := signer.NewHMAC([]byte("token-secret"))
	require.NoError(t, err)
	tok, err := EncodeToken(sig, TokenClaims{SID: "sess-abc", Nonce: "n1", Exp: 42})
	require.NoError(t, err)
	payload, mac, _ := strings.Cut(tok, ".")

	tampered := signer.EncodeSegment([]byte(`{"exp":99,"nonce":"n1","sid":"sess-abc"}`))
	signedRaw := func(body string) string {
		b := []byte(body)
		return signer.EncodeSegment(b) + "." + sig.SignBytes(b)
	}

	cases := map[string]string{
		"empty":            "",
		"no separator":     payload,
		"empty signature":  payload + ".",
		"empty payload":    "." + mac,
		"extra segment":    tok + ".x",
		"bad base64":       "!!!." + mac,
		"tampered payload": tampered + "." + mac,
		"not json":         signedRaw("nope"),
		"missing sid":      signedRaw(`{"exp":42,"nonce":"n1","sid":""}`),
		"missing nonce":    signedRaw(`{"exp":42,"sid":"s"}`),
		"zero exp":         signedRaw(`{"exp":0,"nonce":"n1","sid":"s"}`),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeToken(sig, tok)
			assert.Error(t, err)
		})
	}
}
