package tiered

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// Entries larger than this are gzipped before they reach the cold store
const compressThreshold = 1024

var gzipMagic = []byte{0x1f, 0x8b}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if len(data) <= compressThreshold {
		return data, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if buf.Len() >= len(data) {
		return data, nil
	}
	return buf.Bytes(), nil
}

// decodeEntry parses and validates stored data. Any failure is ErrCorruptEntry.
func decodeEntry(data []byte) (*Entry, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCorruptEntry, err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCorruptEntry, err)
		}
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptEntry, err)
	}
	if e.Key == "" || e.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: missing key or expiry", models.ErrCorruptEntry)
	}
	if err := e.Scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptEntry, err)
	}
	e.Tier = TierCold
	return &e, nil
}
