package taskqueue

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// codecVersion prefixes every stored task payload. Bump it when Task
// changes in a way gob cannot absorb.
const codecVersion byte = 1

// ErrTaskFormat is returned for payloads this codec cannot read.
var ErrTaskFormat = errors.New("unsupported task payload")

// EncodeTask serializes a task for the SQL, Redis and Mongo queues. The
// input message of a start-run task is stored without its sequence number;
// the engine stamps deliveries itself.
func EncodeTask(t Task) ([]byte, error) {
	t.Input = t.Input.Clone()
	t.Input.Seq = 0

	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode %s task %s: %w", t.Type, t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask reverses EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrTaskFormat)
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("%w: version %d", ErrTaskFormat, data[0])
	}
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaskFormat, err)
	}
	return &t, nil
}
