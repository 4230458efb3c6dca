// Package codec implements C1: canonical serialization of trace payloads
// plus threshold-based block compression, as specified in spec.md §4.1.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Marker bytes prepended to every encoded blob so decode can detect which
// framing was used without guessing from content.
const (
	markerRaw        byte = 0x00
	markerCompressed byte = 0x01
)

// DefaultCompressionThreshold is the payload size (bytes) above which a
// block compressor is applied, matching the 1024 B default of spec.md §4.1.
const DefaultCompressionThreshold = 1024

// ErrDecode is returned for any malformed frame — an empty blob, a
// compressed frame that fails to inflate, or a body that is not valid JSON.
type ErrDecode struct {
	Reason string
}

func (e *ErrDecode) Error() string { return "codec: decode error: " + e.Reason }

// Codec serializes arbitrary JSON-like values to a canonical byte form and
// applies block compression above a configurable threshold.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// New builds a Codec with the given compression threshold in bytes. A
// threshold <= 0 falls back to DefaultCompressionThreshold.
func New(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("codec: build encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("codec: build decoder: %w", err)
	}
	return &Codec{threshold: threshold, encoder: enc, decoder: dec}, nil
}

// Close releases the underlying compressor resources.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// Encode serializes v to canonical JSON and prepends a one-byte framing
// marker, applying block compression when the serialized form exceeds the
// configured threshold.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}

	if len(raw) <= c.threshold {
		out := make([]byte, 0, len(raw)+1)
		out = append(out, markerRaw)
		out = append(out, raw...)
		return out, nil
	}

	compressed := c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, markerCompressed)
	out = append(out, compressed...)
	return out, nil
}

// Decode reverses Encode. It detects the framing marker; a blob whose first
// byte is neither marker carries no framing and is read as uncompressed.
func (c *Codec) Decode(blob []byte, v interface{}) error {
	if len(blob) == 0 {
		return &ErrDecode{Reason: "empty blob"}
	}

	marker, body := blob[0], blob[1:]

	var raw []byte
	switch marker {
	case markerRaw:
		raw = body
	case markerCompressed:
		decoded, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return &ErrDecode{Reason: "inflate: " + err.Error()}
		}
		raw = decoded
	default:
		raw = blob
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &ErrDecode{Reason: "unmarshal: " + err.Error()}
	}
	return nil
}

// IsCompressed reports whether a blob carries the compressed framing
// marker, without decoding its body.
func IsCompressed(blob []byte) bool {
	return len(blob) > 0 && blob[0] == markerCompressed
}

// canonicalize re-marshals arbitrary decoded JSON so that map key order is
// deterministic; Canonical builds on it.
func canonicalize(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Canonical returns a canonical JSON encoding of v — map keys are sorted
// by encoding/json's native behavior and no HTML-escaping is applied — for
// use wherever a stable byte representation is required (storage.Validate
// measures payload sizes with it).
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicalize(raw)
}
