package idempotency

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

// fakeExecer is a minimal in-memory stand-in for a single idempotency row,
// enough to exercise Put's branching without a live Postgres.
type fakeExecer struct {
	row     *Record
	inserts int
}

type fakeRow struct {
	rec *Record
}

func (f fakeRow) Scan(dest ...any) error {
	if f.rec == nil {
		return pgx.ErrNoRows
	}
	*dest[0].(*string) = f.rec.TenantID
	*dest[1].(*string) = f.rec.Principal
	*dest[2].(*string) = f.rec.Endpoint
	*dest[3].(*string) = f.rec.IdempotencyKey
	*dest[4].(*string) = f.rec.RequestHash
	*dest[5].(*int) = f.rec.StatusCode
	*dest[6].(*[]byte) = f.rec.ResponseBody
	return nil
}

func (f *fakeExecer) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{rec: f.row}
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	if f.row != nil {
		return pgx.CommandTag{}, nil // ON CONFLICT DO NOTHING: 0 rows affected
	}
	f.row = &Record{
		TenantID: args[0].(string), Principal: args[1].(string), Endpoint: args[2].(string),
		IdempotencyKey: args[3].(string), RequestHash: args[4].(string),
		StatusCode: args[5].(int), ResponseBody: args[6].([]byte),
	}
	f.inserts++
	return pgx.NewCommandTag("INSERT 0 1"), nil
}

func TestPut_FirstWriteWins(t *testing.T) {
	fe := &fakeExecer{}
	rec := Record{TenantID: "T1", Principal: "agent1", Endpoint: "/x", IdempotencyKey: "K1", RequestHash: "H1", StatusCode: 200, ResponseBody: []byte(`{"ok":true}`)}

	got, err := Put(context.Background(), fe, rec)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got.RequestHash != "H1" || fe.inserts != 1 {
		t.Fatalf("expected fresh insert, got %+v inserts=%d", got, fe.inserts)
	}
}

func TestPut_ReplaySameHashReturnsStoredBody(t *testing.T) {
	fe := &fakeExecer{row: &Record{TenantID: "T1", Principal: "agent1", Endpoint: "/x", IdempotencyKey: "K1", RequestHash: "H1", StatusCode: 200, ResponseBody: []byte("original")}}

	got, err := Put(context.Background(), fe, Record{TenantID: "T1", Principal: "agent1", Endpoint: "/x", IdempotencyKey: "K1", RequestHash: "H1", StatusCode: 500, ResponseBody: []byte("replayed")})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if string(got.ResponseBody) != "original" {
		t.Errorf("expected replay to return original body, got %s", got.ResponseBody)
	}
}

func TestPut_DifferentHashConflicts(t *testing.T) {
	fe := &fakeExecer{row: &Record{TenantID: "T1", Principal: "agent1", Endpoint: "/x", IdempotencyKey: "K1", RequestHash: "H1", StatusCode: 200, ResponseBody: []byte("original")}}

	_, err := Put(context.Background(), fe, Record{TenantID: "T1", Principal: "agent1", Endpoint: "/x", IdempotencyKey: "K1", RequestHash: "H2"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
