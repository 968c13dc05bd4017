package txn

import "testing"

func TestKindConstants_AreDistinct(t *testing.T) {
	kinds := []string{
		KindAppendEvents, KindApplyLedger, KindPutArtifact, KindEnqueue, KindDeliverTo,
		KindPutIdempotency, KindApplyCorrelation, KindPutSignerKey, KindSetSignerKeyStatus,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		if seen[k] {
			t.Fatalf("duplicate op kind constant: %s", k)
		}
		seen[k] = true
	}
}
