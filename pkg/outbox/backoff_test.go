package outbox

import (
	"testing"
	"time"
)

func TestBackoff_GrowsThenCaps(t *testing.T) {
	if got := backoff(0); got.Seconds() != 1 {
		t.Errorf("attempt 0: got %v, want 1s", got)
	}
	if got := backoff(3); got.Seconds() != 8 {
		t.Errorf("attempt 3: got %v, want 8s", got)
	}
	if got := backoff(20); got != 256*time.Second {
		t.Errorf("attempt 20: got %v, want cap 256s", got)
	}
}
