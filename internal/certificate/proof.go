package certificate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"mindprint/internal/canonical"
	"mindprint/internal/telemetry"
)

// ProofVersion is the only proof format issued and accepted.
const ProofVersion = "v1"

// unsignedProof holds the fields covered by the proof signature. Nil
// pointers serialize as null.
type unsignedProof struct {
	Version               string            `json:"version"`
	CertificateID         string            `json:"certificateId"`
	ArtifactSHA256        string            `json:"artifactSha256"`
	TelemetryDigestSHA256 string            `json:"telemetryDigestSha256"`
	IssuedAt              string            `json:"issuedAt"`
	ValidationStatus      *telemetry.Status `json:"validationStatus"`
	RiskScore             *float64          `json:"riskScore"`
	Confidence            *float64          `json:"confidence"`
}

type logEntryInput struct {
	CertificateID string  `json:"certificateId"`
	PrevHash      *string `json:"prevHash"`
	Signature     string  `json:"signature"`
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ArtifactDigest is the hex SHA-256 of the certified text.
func ArtifactDigest(text string) string {
	return sha256Hex([]byte(text))
}

// TelemetryDigest is the hex SHA-256 of the canonical JSON of replay. A nil
// replay hashes the same as an empty one.
func TelemetryDigest(replay []telemetry.Event) (string, error) {
	if replay == nil {
		replay = []telemetry.Event{}
	}
	b, err := canonical.Marshal(replay)
	if err != nil {
		return "", fmt.Errorf("telemetry digest: %w", err)
	}
	return sha256Hex(b), nil
}

// LogEntryHash binds a certificate's signature to its chain position.
func LogEntryHash(certificateID string, prevHash *string, signature string) string {
	return sha256Hex(canonical.MustMarshal(logEntryInput{
		CertificateID: certificateID,
		PrevHash:      prevHash,
		Signature:     signature,
	}))
}

// buildUnsignedProof derives the signed fields from a payload's own text,
// replay and issue time. Risk scores are rounded to integers and
// confidences to three decimals; non-finite values become null.
func buildUnsignedProof(p *Payload, status *telemetry.Status, risk, confidence *float64) (*unsignedProof, error) {
	digest, err := TelemetryDigest(p.Replay)
	if err != nil {
		return nil, err
	}
	u := &unsignedProof{
		Version:               ProofVersion,
		CertificateID:         p.ID,
		ArtifactSHA256:        ArtifactDigest(p.Text),
		TelemetryDigestSHA256: digest,
		IssuedAt:              p.IssuedAt,
	}
	if status != nil {
		if st, ok := telemetry.ParseStatus(string(*status)); ok {
			u.ValidationStatus = &st
		}
	}
	if finite(risk) {
		r := math.Round(*risk)
		u.RiskScore = &r
	}
	if finite(confidence) {
		c := roundTo(*confidence, 3)
		u.Confidence = &c
	}
	return u, nil
}
