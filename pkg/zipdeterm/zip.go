// Package zipdeterm builds zip archives whose bytes are a pure function
// of their file names and contents: no timestamps, no compression-level
// variance, no filesystem-order dependence. Used to make finance-pack
// bundle hashes reproducible across rebuilds of the same data.
package zipdeterm

import (
	"archive/zip"
	"bytes"
	"fmt"
	"sort"
	"time"
)

// fixedModTime is the epoch used for every file header, so two builds of
// identical content never differ by a timestamp.
var fixedModTime = time.Unix(0, 0).UTC()

// File is one named entry to include in the archive.
type File struct {
	Name string
	Body []byte
}

// Build writes files into a zip archive, stored (uncompressed) and
// ordered by name, and returns the archive bytes. Byte-identical file
// sets always produce byte-identical output.
func Build(files []File) ([]byte, error) {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range sorted {
		hdr := &zip.FileHeader{
			Name:   f.Name,
			Method: zip.Store,
		}
		hdr.SetModTime(fixedModTime)
		hdr.Modified = fixedModTime

		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zipdeterm.Build create %s: %w", f.Name, err)
		}
		if _, err := fw.Write(f.Body); err != nil {
			return nil, fmt.Errorf("zipdeterm.Build write %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zipdeterm.Build close: %w", err)
	}
	return buf.Bytes(), nil
}
