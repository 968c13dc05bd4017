// Package canon provides deterministic canonical-JSON serialization and
// hash-chained event construction shared by every component that needs a
// stable, reproducible byte representation of a Go value.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// JSON produces a stable byte representation of v: object keys sorted
// lexicographically (recursively), no insignificant whitespace, and
// integers preserved exactly (no float64 round-tripping).
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon.JSON marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon.JSON decode: %w", err)
	}

	sorted := sortKeys(generic)
	out, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("canon.JSON re-marshal: %w", err)
	}
	return out, nil
}

// HashBytes returns the hex-encoded SHA-256 of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashPayload canonicalizes v and returns both the canonical bytes and
// their hash, since callers (event store, artifact store) need to persist
// the canonical form as well as its digest.
func HashPayload(v any) (canonBytes []byte, hash string, err error) {
	canonBytes, err = JSON(v)
	if err != nil {
		return nil, "", err
	}
	return canonBytes, HashBytes(canonBytes), nil
}

// ArtifactHash computes the content hash of an artifact body with any
// "artifactHash" field stripped from the hash input, then the caller
// re-embeds the computed hash. Implementers must never include the hash
// field itself in the hash input.
func ArtifactHash(body map[string]any) (string, error) {
	stripped := make(map[string]any, len(body))
	for k, v := range body {
		if k == "artifactHash" {
			continue
		}
		stripped[k] = v
	}
	canonBytes, err := JSON(stripped)
	if err != nil {
		return "", fmt.Errorf("canon.ArtifactHash: %w", err)
	}
	return HashBytes(canonBytes), nil
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sorted := make(orderedMap, 0, len(val))
		for _, k := range keys {
			sorted = append(sorted, kv{Key: k, Value: sortKeys(val[k])})
		}
		return sorted

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out

	default:
		return val
	}
}

// orderedMap preserves insertion (here: sorted-key) order during marshalling,
// which encoding/json's native map type cannot do.
type orderedMap []kv

type kv struct {
	Key   string
	Value any
}

func (om orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, item := range om {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(item.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(item.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}
