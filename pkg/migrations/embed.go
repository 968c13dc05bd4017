// Package migrations embeds the schema's SQL files so cmd/migrate can
// apply them without a separate asset pipeline.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS

// Names returns the embedded migration filenames in lexical order, which
// is also application order since they're numerically prefixed.
func Names() ([]string, error) {
	entries, err := Files.ReadDir(".")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
