package migrations

import (
	"strings"
	"testing"
)

func TestNames_ReturnsSQLFilesInLexicalOrder(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	for i, n := range names {
		if !strings.HasSuffix(n, ".sql") {
			t.Errorf("name %q is not a .sql file", n)
		}
		if i > 0 && names[i-1] >= n {
			t.Errorf("names not in lexical order: %q before %q", names[i-1], n)
		}
	}
}

func TestFiles_EachNameIsReadable(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	for _, n := range names {
		body, err := Files.ReadFile(n)
		if err != nil {
			t.Errorf("ReadFile(%q): %v", n, err)
			continue
		}
		if len(body) == 0 {
			t.Errorf("%q is empty", n)
		}
	}
}
