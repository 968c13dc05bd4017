package failpoint

import (
	"errors"
	"testing"
)

func TestHit_NoHookInstalled(t *testing.T) {
	Clear()
	if err := Hit("does.not.exist"); err != nil {
		t.Errorf("expected nil error for unset hook, got %v", err)
	}
}

func TestHit_InstalledHookFires(t *testing.T) {
	Clear()
	defer Clear()

	want := errors.New("simulated crash")
	Set(PGAppendAfterCommit, func() error { return want })

	if err := Hit(PGAppendAfterCommit); !errors.Is(err, want) {
		t.Errorf("want %v, got %v", want, err)
	}
}

func TestSet_NilClearsHook(t *testing.T) {
	Clear()
	defer Clear()

	Set(OutboxClaimAfterLock, func() error { return errors.New("boom") })
	Set(OutboxClaimAfterLock, nil)

	if err := Hit(OutboxClaimAfterLock); err != nil {
		t.Errorf("expected cleared hook to no-op, got %v", err)
	}
}
