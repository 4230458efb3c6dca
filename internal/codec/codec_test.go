package codec

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTripSmall(t *testing.T) {
	c, err := New(1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	in := map[string]interface{}{"type": "task_start", "agent": "a1"}

	blob, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if IsCompressed(blob) {
		t.Error("small payload should not be compressed")
	}

	var out map[string]interface{}
	if err := c.Decode(blob, &out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out["type"] != in["type"] || out["agent"] != in["agent"] {
		t.Errorf("round-trip mismatch: got %v, want %v", out, in)
	}
}

func TestEncodeDecodeRoundTripLarge(t *testing.T) {
	c, err := New(64)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	in := map[string]interface{}{"payload": strings.Repeat("x", 4096)}

	blob, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !IsCompressed(blob) {
		t.Error("large payload should be compressed")
	}

	var out map[string]interface{}
	if err := c.Decode(blob, &out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out["payload"] != in["payload"] {
		t.Error("round-trip mismatch for large payload")
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	c, err := New(1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	var out map[string]interface{}

	if err := c.Decode(nil, &out); err == nil {
		t.Error("expected error decoding empty blob")
	}

	if err := c.Decode([]byte{0x7f, 'x'}, &out); err == nil {
		t.Error("expected error decoding unknown marker")
	}
}

func TestDecodeDetectsAbsentMarkerAsUncompressed(t *testing.T) {
	c, err := New(1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	blob, err := c.Encode(map[string]interface{}{"ok": true})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if blob[0] != markerRaw {
		t.Fatalf("expected raw marker for small payload, got 0x%02x", blob[0])
	}

	var out map[string]interface{}
	if err := c.Decode([]byte(`{"ok":true}`), &out); err != nil {
		t.Fatalf("Decode of unmarked blob failed: %v", err)
	}
	if out["ok"] != true {
		t.Errorf("expected ok=true from unmarked blob, got %v", out["ok"])
	}
}
