package artifact

import "testing"

func TestHashBody_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"jobId": "J1", "amountCents": float64(500), "artifactHash": "stale"}
	b := map[string]any{"amountCents": float64(500), "jobId": "J1"}

	ha, err := HashBody(a)
	if err != nil {
		t.Fatalf("HashBody: %v", err)
	}
	hb, err := HashBody(b)
	if err != nil {
		t.Fatalf("HashBody: %v", err)
	}
	if ha != hb {
		t.Errorf("expected stable hash ignoring key order and stale artifactHash field, got %s vs %s", ha, hb)
	}
}

func TestHashBody_DifferentContentDiffers(t *testing.T) {
	ha, _ := HashBody(map[string]any{"amountCents": float64(500)})
	hb, _ := HashBody(map[string]any{"amountCents": float64(600)})
	if ha == hb {
		t.Error("expected different content to hash differently")
	}
}
