// Package payload implements the Payload Store & Replay component of
// SPEC_FULL.md §4.9: persist the canonical per-Run payload (runId,
// specHash, verified scenarios, env, config) on first successful entry
// to AI_SUCCESS, compressing it above a 256 KiB threshold, and load it
// back for replay. No direct teacher analogue stores raw request/
// response-shaped blobs this way; the compression choice is grounded on
// the teacher's own dependency graph (see DESIGN.md).
package payload

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the size above which a payload is stored zstd-
// compressed, per SPEC_FULL.md §4.9.
const CompressThreshold = 256 * 1024

// marker bytes distinguish raw JSON from compressed storage, per
// SPEC_FULL.md §6.1's "leading 2-byte marker" requirement.
var (
	markerRaw        = [2]byte{'R', '0'}
	markerCompressed = [2]byte{'Z', '1'}
)

// Snapshot is the canonical payload persisted for a Run, per
// SPEC_FULL.md §4.9.
type Snapshot struct {
	RunID     uuid.UUID         `json:"runId"`
	SpecHash  string            `json:"specHash"`
	Scenarios json.RawMessage   `json:"scenarios"`
	Env       map[string]string `json:"env"`
	Config    json.RawMessage   `json:"config"`
}

// Encode marshals s to JSON and compresses it with zstd if it would
// exceed CompressThreshold, prefixing the 2-byte storage marker.
func Encode(s Snapshot) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("payload: marshal snapshot: %w", err)
	}

	if len(raw) <= CompressThreshold {
		return append(markerRaw[:], raw...), nil
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("payload: create zstd writer: %w", err)
	}
	defer enc.Close()

	compressed := enc.EncodeAll(raw, nil)
	return append(markerCompressed[:], compressed...), nil
}

// Decode reverses Encode, transparently decompressing if the marker
// indicates compressed storage.
func Decode(blob []byte) (Snapshot, error) {
	var s Snapshot
	if len(blob) < 2 {
		return s, fmt.Errorf("payload: blob too short to carry a storage marker")
	}

	marker := [2]byte{blob[0], blob[1]}
	body := blob[2:]

	switch marker {
	case markerRaw:
		if err := json.Unmarshal(body, &s); err != nil {
			return s, fmt.Errorf("payload: unmarshal raw snapshot: %w", err)
		}
		return s, nil

	case markerCompressed:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return s, fmt.Errorf("payload: create zstd reader: %w", err)
		}
		defer dec.Close()

		raw, err := dec.DecodeAll(body, nil)
		if err != nil {
			return s, fmt.Errorf("payload: decompress snapshot: %w", err)
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("payload: unmarshal decompressed snapshot: %w", err)
		}
		return s, nil

	default:
		return s, fmt.Errorf("payload: unrecognized storage marker %v", marker)
	}
}
