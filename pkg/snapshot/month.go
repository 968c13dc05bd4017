package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bturcanu/OpenClause/pkg/eventstore"
)

const AggregateTypeMonth = "month"

const (
	MonthStatusOpen           = "OPEN"
	MonthStatusCloseRequested = "CLOSE_REQUESTED"
	MonthStatusClosed         = "CLOSED"
)

// MonthSnapshot is the reduced state of a month aggregate, one per
// (tenant, period) stream. Month-close requests and completions are
// recorded as events on this stream.
type MonthSnapshot struct {
	Period           string    `json:"period"` // "2026-02"
	Status           string    `json:"status"`
	StartAt          time.Time `json:"startAt"`
	EndAt            time.Time `json:"endAt"`
	PendingRequestID string    `json:"pendingRequestId,omitempty"`
	GeneratedAt      *time.Time `json:"generatedAt,omitempty"`
	ClosedAt         *time.Time `json:"closedAt,omitempty"`
}

type monthCloseRequestedPayload struct {
	RequestID string    `json:"requestId"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
}

type monthClosedPayload struct {
	GeneratedAt time.Time `json:"generatedAt"`
	ClosedAt    time.Time `json:"closedAt"`
}

// ReduceMonth folds a month aggregate's event history into its current
// state.
func ReduceMonth(events []eventstore.Event) (any, error) {
	var snap MonthSnapshot
	for _, ev := range events {
		switch ev.Type {
		case "month.close_requested":
			var p monthCloseRequestedPayload
			if err := json.Unmarshal(ev.PayloadJSON, &p); err != nil {
				return nil, fmt.Errorf("reduce month.close_requested: %w", err)
			}
			snap.Period = ev.AggregateID
			snap.StartAt = p.StartAt
			snap.EndAt = p.EndAt
			snap.PendingRequestID = p.RequestID
			if snap.Status != MonthStatusClosed {
				snap.Status = MonthStatusCloseRequested
			}
		case "month.closed":
			var p monthClosedPayload
			if err := json.Unmarshal(ev.PayloadJSON, &p); err != nil {
				return nil, fmt.Errorf("reduce month.closed: %w", err)
			}
			snap.Status = MonthStatusClosed
			snap.GeneratedAt = &p.GeneratedAt
			snap.ClosedAt = &p.ClosedAt
			snap.PendingRequestID = ""
		}
	}
	if snap.Status == "" {
		snap.Status = MonthStatusOpen
	}
	return snap, nil
}
