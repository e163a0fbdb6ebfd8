package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/senpuki/senpuki/pkg/storage"
)

func newLeaseToken() string { return uuid.NewString() }

func decodeProgress(raw []byte) ([]storage.ProgressEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []storage.ProgressEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("sqlite: decode progress: %w", err)
	}
	return entries, nil
}

func encodeProgress(entries []storage.ProgressEntry) ([]byte, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode progress: %w", err)
	}
	return raw, nil
}

func unmarshalProgress(e *storage.Execution) error {
	entries, err := decodeProgress(e.ProgressRaw)
	if err != nil {
		return err
	}
	e.Progress = entries
	return nil
}

type taskSnapshot struct {
	Task     storage.Task `json:"task"`
	ErrText  string       `json:"error_text"`
}

func marshalSnapshot(t *storage.Task, errText string) ([]byte, error) {
	raw, err := json.Marshal(taskSnapshot{Task: *t, ErrText: errText})
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal dead letter snapshot: %w", err)
	}
	return raw, nil
}

func unmarshalSnapshot(raw []byte, out *storage.Task) error {
	var snap taskSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("sqlite: unmarshal dead letter snapshot: %w", err)
	}
	*out = snap.Task
	return nil
}
