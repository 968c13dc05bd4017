package delivery

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestValidateWebhookURL(t *testing.T) {
	cases := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/hook", false},
		{"http://example.com/hook", true},
		{"https://127.0.0.1/hook", true},
		{"https://localhost/hook", false}, // hostname, not an IP; DNS-level SSRF is out of scope here
		{"https://10.0.0.5/hook", true},
		{"https://169.254.169.254/hook", true},
		{"not-a-url\x00", true},
		{"https:///hook", true},
	}
	for _, c := range cases {
		err := ValidateWebhookURL(c.url)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateWebhookURL(%q) error=%v, wantErr=%v", c.url, err, c.wantErr)
		}
	}
}

func TestSignBodyHMACSHA256_DeterministicAndKeyed(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig1 := SignBodyHMACSHA256(body, "secret")
	sig2 := SignBodyHMACSHA256(body, "secret")
	if sig1 != sig2 {
		t.Errorf("expected deterministic signature, got %q vs %q", sig1, sig2)
	}
	if !strings.HasPrefix(sig1, "sha256=") {
		t.Errorf("expected sha256= prefix, got %q", sig1)
	}
	if sig3 := SignBodyHMACSHA256(body, "other-secret"); sig3 == sig1 {
		t.Errorf("expected different secrets to produce different signatures")
	}
}

func TestWebhookPusher_PushSignsAndSucceedsOn2xx(t *testing.T) {
	var gotSig, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Settlement-Signature-256")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pusher := &WebhookPusher{httpClient: srv.Client(), skipWebhookValidation: true}
	d := Delivery{ID: "D1", ArtifactType: "monthly_statement", PayloadJSON: []byte(`{"x":1}`)}

	if err := pusher.Push(t.Context(), srv.URL, "shh", d); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if gotBody != `{"x":1}` {
		t.Errorf("server received body %q", gotBody)
	}
	want := SignBodyHMACSHA256(d.PayloadJSON, "shh")
	if gotSig != want {
		t.Errorf("server received signature %q, want %q", gotSig, want)
	}
}

func TestWebhookPusher_PushFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pusher := &WebhookPusher{httpClient: srv.Client(), skipWebhookValidation: true}
	d := Delivery{ID: "D1", PayloadJSON: []byte(`{}`)}

	if err := pusher.Push(t.Context(), srv.URL, "", d); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
