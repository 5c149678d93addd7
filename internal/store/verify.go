package store

import (
	"context"
	"fmt"
)

// ChainBreak describes a log entry whose predecessor link is wrong.
type ChainBreak struct {
	CertificateID string
	Position      int
	Want          *string
	Got           *string
}

func (b ChainBreak) String() string {
	return fmt.Sprintf("entry %d (%s): prev_hash %s, expected %s",
		b.Position, b.CertificateID, hashString(b.Got), hashString(b.Want))
}

func hashString(h *string) string {
	if h == nil {
		return "<none>"
	}
	return *h
}

// VerifyChainLinks walks the log in append order and reports every entry
// whose prev_hash is not the entry_hash of the entry before it. The first
// entry must have no predecessor.
func (s *Store) VerifyChainLinks(ctx context.Context) ([]ChainBreak, error) {
	entries, err := s.ListLogEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify chain: %w", err)
	}
	return CheckLinks(entries), nil
}

// CheckLinks checks predecessor linkage of entries already in append order.
func CheckLinks(entries []LogEntry) []ChainBreak {
	var breaks []ChainBreak
	var prev *string
	for i, e := range entries {
		if !sameHash(e.PrevHash, prev) {
			breaks = append(breaks, ChainBreak{
				CertificateID: e.CertificateID,
				Position:      i,
				Want:          prev,
				Got:           e.PrevHash,
			})
		}
		h := e.EntryHash
		prev = &h
	}
	return breaks
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
