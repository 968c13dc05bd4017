package snapshot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bturcanu/OpenClause/pkg/eventstore"
)

func jobEvent(t *testing.T, seq int64, typ string, payload any, at time.Time) eventstore.Event {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return eventstore.Event{AggregateID: "J1", Seq: seq, Type: typ, At: at, PayloadJSON: b}
}

func TestReduceJob_FullLifecycle(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	events := []eventstore.Event{
		jobEvent(t, 1, "job.created", jobCreatedPayload{PayeeID: "P1", AmountCents: 5000, Currency: "USD"}, now),
		jobEvent(t, 2, "job.reservation_opened", jobReservationOpenedPayload{ExpiresAt: now.Add(time.Hour)}, now),
		jobEvent(t, 3, "job.settled", jobSettledPayload{SettledAt: now.Add(2 * time.Hour)}, now.Add(2*time.Hour)),
	}

	value, err := ReduceJob(events)
	if err != nil {
		t.Fatalf("ReduceJob: %v", err)
	}
	snap := value.(JobSnapshot)

	if snap.Status != JobStatusSettled {
		t.Errorf("expected settled, got %s", snap.Status)
	}
	if snap.Reservation != nil {
		t.Errorf("expected reservation cleared on settle, got %+v", snap.Reservation)
	}
	if snap.AmountCents != 5000 || snap.PayeeID != "P1" {
		t.Errorf("unexpected snapshot fields: %+v", snap)
	}
	if snap.HasActiveReservation() {
		t.Errorf("settled job must not have an active reservation")
	}
}

func TestReduceJob_ActiveReservationDetected(t *testing.T) {
	now := time.Now().UTC()
	events := []eventstore.Event{
		jobEvent(t, 1, "job.created", jobCreatedPayload{PayeeID: "P1", AmountCents: 100, Currency: "USD"}, now),
		jobEvent(t, 2, "job.reservation_opened", jobReservationOpenedPayload{ExpiresAt: now.Add(time.Hour)}, now),
	}
	value, err := ReduceJob(events)
	if err != nil {
		t.Fatalf("ReduceJob: %v", err)
	}
	snap := value.(JobSnapshot)
	if !snap.HasActiveReservation() {
		t.Errorf("expected active reservation")
	}
}

func TestReduceJob_AbortedClearsReservation(t *testing.T) {
	now := time.Now().UTC()
	events := []eventstore.Event{
		jobEvent(t, 1, "job.created", jobCreatedPayload{PayeeID: "P1", AmountCents: 100, Currency: "USD"}, now),
		jobEvent(t, 2, "job.reservation_opened", jobReservationOpenedPayload{ExpiresAt: now.Add(time.Hour)}, now),
		jobEvent(t, 3, "job.aborted", struct{}{}, now),
	}
	value, err := ReduceJob(events)
	if err != nil {
		t.Fatalf("ReduceJob: %v", err)
	}
	snap := value.(JobSnapshot)
	if snap.Status != JobStatusAborted || snap.HasActiveReservation() {
		t.Errorf("expected aborted with no reservation, got %+v", snap)
	}
}
