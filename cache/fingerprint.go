package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Fingerprinter derives the cache and single-flight key of a request.
//
// Contract:
// - Determinism: JSON key order and insignificant whitespace do not change the result.
// - Concurrency: implementations must be safe for concurrent use.
type Fingerprinter interface {
	Fingerprint(provider string, payload []byte) string
}

// DefaultFingerprinter hashes the normalized provider hint and payload with
// SHA-256. JSON payloads are canonicalized; anything else is hashed verbatim.
type DefaultFingerprinter struct{}

// NewDefaultFingerprinter creates a new default fingerprinter.
func NewDefaultFingerprinter() *DefaultFingerprinter {
	return &DefaultFingerprinter{}
}

// Fingerprint returns the lowercase hex SHA-256 digest.
func (DefaultFingerprinter) Fingerprint(provider string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(provider))))
	h.Write([]byte{0})

	if canonical, err := canonicalPayload(payload); err == nil {
		h.Write([]byte{'j'})
		h.Write(canonical)
	} else {
		h.Write([]byte{'r'})
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}

var errTrailingData = errors.New("cache: trailing data after JSON value")

// canonicalPayload re-encodes a single JSON document with sorted object keys
// and numbers preserved verbatim.
func canonicalPayload(payload []byte) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, io.ErrUnexpectedEOF
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return canonicalize(v)
}

func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cache: failed to canonicalize value: %w", err)
		}
		return b, nil
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, '}')

	return result, nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}

		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, ']')

	return result, nil
}

var _ Fingerprinter = (*DefaultFingerprinter)(nil)
