package canon

import "testing"

func TestJSON_StableKeyOrder(t *testing.T) {
	a := map[string]any{"z": 1, "a": 2, "m": 3}
	b := map[string]any{"a": 2, "m": 3, "z": 1}

	ca, err := JSON(a)
	if err != nil {
		t.Fatalf("canon a: %v", err)
	}
	cb, err := JSON(b)
	if err != nil {
		t.Fatalf("canon b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical mismatch:\n  a=%s\n  b=%s", ca, cb)
	}

	want := `{"a":2,"m":3,"z":1}`
	if string(ca) != want {
		t.Errorf("want %s, got %s", want, ca)
	}
}

func TestJSON_NestedObjects(t *testing.T) {
	obj := map[string]any{
		"b": map[string]any{"y": 2, "x": 1},
		"a": "hello",
	}
	out, err := JSON(obj)
	if err != nil {
		t.Fatalf("canon: %v", err)
	}
	want := `{"a":"hello","b":{"x":1,"y":2}}`
	if string(out) != want {
		t.Errorf("want %s, got %s", want, out)
	}
}

func TestArtifactHash_InvariantToKeyOrderAndStrippedField(t *testing.T) {
	a := map[string]any{"foo": "bar", "n": 1, "artifactHash": "stale"}
	b := map[string]any{"n": 1, "foo": "bar"}

	ha, err := ArtifactHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := ArtifactHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Errorf("artifactHash should be invariant to presence of artifactHash field and key order: %s != %s", ha, hb)
	}
}

func TestHashPayload_Deterministic(t *testing.T) {
	v := map[string]any{"x": 1, "y": []any{1, 2, 3}}
	_, h1, err := HashPayload(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	_, h2, err := HashPayload(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("expected deterministic hash, got %s and %s", h1, h2)
	}
}
