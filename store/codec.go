package store

import (
	"encoding/json"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/tasks"
)

// encodeTask serializes a task for key-value backends.
func encodeTask(t *tasks.Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, qerrors.WrapWithCode(err, qerrors.ErrCodeInternal, "encode task",
			qerrors.WithTaskID(t.ID))
	}
	return data, nil
}

// decodeTask parses a stored task. A record that does not parse is corrupt.
func decodeTask(key string, data []byte) (*tasks.Task, error) {
	var t tasks.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, qerrors.WrapWithCode(err, qerrors.ErrCodeCorruption, "decode task",
			qerrors.WithMetadata("key", key))
	}
	return &t, nil
}
