package certificate

import (
	"context"
	"fmt"

	"mindprint/internal/store"
)

// AuditFinding is one log entry that failed the audit.
type AuditFinding struct {
	Position      int    `json:"position"`
	CertificateID string `json:"certificateId"`
	Problem       string `json:"problem"`
}

// AuditReport summarizes a walk over the whole transparency log.
type AuditReport struct {
	Entries  int            `json:"entries"`
	Findings []AuditFinding `json:"findings"`
}

// OK reports whether the log passed.
func (r *AuditReport) OK() bool { return len(r.Findings) == 0 }

// BrokenIDs returns the certificate ids named by findings, once each.
func (r *AuditReport) BrokenIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range r.Findings {
		if !seen[f.CertificateID] {
			seen[f.CertificateID] = true
			ids = append(ids, f.CertificateID)
		}
	}
	return ids
}

// AuditLog walks the log in append order. Each entry must link to the
// previous entry's hash, and its hash must re-derive from the proof stored
// with its certificate.
func (s *Service) AuditLog(ctx context.Context) (*AuditReport, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	entries, err := s.store.ListLogEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	report := &AuditReport{Entries: len(entries), Findings: []AuditFinding{}}
	for _, b := range store.CheckLinks(entries) {
		report.Findings = append(report.Findings, AuditFinding{
			Position:      b.Position,
			CertificateID: b.CertificateID,
			Problem:       b.String(),
		})
	}

	for i, e := range entries {
		problem, err := s.auditEntry(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("audit log: %w", err)
		}
		if problem != "" {
			report.Findings = append(report.Findings, AuditFinding{Position: i, CertificateID: e.CertificateID, Problem: problem})
		}
	}

	s.audit.LogChainAudit(ctx, report.Entries, report.BrokenIDs())
	if !report.OK() {
		s.log.WarnContext(ctx, "transparency log audit failed", "entries", report.Entries, "findings", len(report.Findings))
	}
	return report, nil
}

func (s *Service) auditEntry(ctx context.Context, e store.LogEntry) (string, error) {
	row, err := s.store.GetCertificate(ctx, e.CertificateID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "certificate row missing", nil
	}
	proof := parseProof(row.Proof)
	if proof == nil {
		return "proof missing or unreadable", nil
	}
	if !sameHash(proof.PrevLogEntryHash, e.PrevHash) {
		return "proof predecessor differs from log entry", nil
	}
	expected := LogEntryHash(e.CertificateID, proof.PrevLogEntryHash, proof.Signature)
	if expected != e.EntryHash {
		return "entry hash does not re-derive from proof", nil
	}
	if proof.LogEntryHash == nil || *proof.LogEntryHash != e.EntryHash {
		return "proof entry hash differs from log entry", nil
	}
	return "", nil
}
