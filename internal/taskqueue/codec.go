package taskqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/fluxq/pkg/api"
)

// EncodeTask gob-encodes a Task.
func EncodeTask(t api.Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask gob-decodes a Task.
func DecodeTask(data []byte) (api.Task, error) {
	var t api.Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return api.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}
