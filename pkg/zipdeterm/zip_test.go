package zipdeterm

import (
	"bytes"
	"testing"
)

func TestBuild_DeterministicAcrossInputOrder(t *testing.T) {
	a := []File{{Name: "b.json", Body: []byte("B")}, {Name: "a.json", Body: []byte("A")}}
	b := []File{{Name: "a.json", Body: []byte("A")}, {Name: "b.json", Body: []byte("B")}}

	za, err := Build(a)
	if err != nil {
		t.Fatal(err)
	}
	zb, err := Build(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(za, zb) {
		t.Error("expected identical archive bytes regardless of input order")
	}
}

func TestBuild_DifferentContentDiffers(t *testing.T) {
	a := []File{{Name: "a.json", Body: []byte("A")}}
	b := []File{{Name: "a.json", Body: []byte("B")}}

	za, _ := Build(a)
	zb, _ := Build(b)
	if bytes.Equal(za, zb) {
		t.Error("expected different content to produce different archive bytes")
	}
}
