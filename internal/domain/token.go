package domain

import "github.com/google/uuid"

// FetchToken identifies one refresh cycle. Tokens are compared by their
// sequence number only; the cycle ID exists for log and sink correlation.
// The zero value means no cycle has been issued.
type FetchToken struct {
	seq   uint64
	cycle uuid.UUID
}

// NewFetchToken mints a token for the given sequence number.
func NewFetchToken(seq uint64) FetchToken {
	return FetchToken{seq: seq, cycle: uuid.New()}
}

// Seq returns the token's position in dispatch order.
func (t FetchToken) Seq() uint64 { return t.seq }

// IsZero reports whether t was never issued.
func (t FetchToken) IsZero() bool { return t.seq == 0 }

// Same reports whether t and other identify the same cycle.
func (t FetchToken) Same(other FetchToken) bool { return t.seq == other.seq }

// Supersedes reports whether t was issued after other.
func (t FetchToken) Supersedes(other FetchToken) bool { return t.seq > other.seq }

// CycleID returns the correlation ID, or "" for the zero token.
func (t FetchToken) CycleID() string {
	if t.IsZero() {
		return ""
	}
	return t.cycle.String()
}
