// Package eventstore implements the append-only, per-aggregate hash-chained
// event log.
package eventstore

import (
	"time"

	"github.com/bturcanu/OpenClause/pkg/canon"
)

// Event is a persisted, immutable event row.
type Event struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	Seq           int64
	ID            string
	Type          string
	At            time.Time
	Actor         canon.Actor
	PayloadJSON   []byte // canonical JSON of the payload
	PayloadHash   string
	PrevChainHash *string
	ChainHash     string
	SignerKeyID   string
	Signature     string
}

// Head identifies the current tip of an aggregate's chain.
type Head struct {
	Seq       int64  // 0 if the stream is empty
	ChainHash string // "" if the stream is empty
}

// Errors returned by AppendEvents.
var (
	// ErrPrevChainHashMismatch signals optimistic-concurrency failure:
	// retriable by re-fetching the head and resubmitting.
	ErrPrevChainHashMismatch = &chainError{"eventstore: prevChainHash mismatch"}
	// ErrSignerKeyUnknown, ErrSignerKeyInactive, ErrSignerKeyPurposeMismatch
	// surface signer-key lifecycle violations.
	ErrSignerKeyUnknown         = &chainError{"eventstore: signer key unknown"}
	ErrSignerKeyInactive        = &chainError{"eventstore: signer key not active"}
	ErrSignerKeyPurposeMismatch = &chainError{"eventstore: signer key purpose does not match actor type"}
)

type chainError struct{ msg string }

func (e *chainError) Error() string { return e.msg }
