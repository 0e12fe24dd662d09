package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/graphflow/pkg/api"
)

// EncodeSnapshot serializes a run snapshot using encoding/gob.
func EncodeSnapshot(snap *api.RunSnapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("encode snapshot: nil snapshot")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", snap.RunID, err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*api.RunSnapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode snapshot: empty payload")
	}
	var snap api.RunSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// cloneSnapshot deep-copies a snapshot by round-tripping it through the codec
// so that in-memory stores never alias engine state.
func cloneSnapshot(snap *api.RunSnapshot) (*api.RunSnapshot, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}
