package experiment

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// UnmarshalJSON captures "id" plus every other field into Fields, so a
// Task round-trips the dataset row verbatim (trial_input.json embeds the
// whole task, not just its id).
func (t *Task) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	idRaw, ok := raw["id"]
	if !ok {
		return fmt.Errorf("experiment: task row missing required \"id\" field")
	}
	var id string
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return fmt.Errorf("experiment: task \"id\" must be a string: %w", err)
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return fmt.Errorf("experiment: decode task field %q: %w", k, err)
		}
		fields[k] = decoded
	}

	t.ID = id
	t.Fields = fields
	return nil
}

// MarshalJSON emits Fields verbatim (which already contains "id").
func (t Task) MarshalJSON() ([]byte, error) {
	if t.Fields != nil {
		return json.Marshal(t.Fields)
	}
	return json.Marshal(map[string]any{"id": t.ID})
}

// LoadTasks reads one JSON object per line from path, enforces unique ids
// within the split, and applies limit (<=0 means unlimited).
func LoadTasks(path string, limit int) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("experiment: open dataset %s: %w", path, err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var tasks []Task

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var task Task
		if err := json.Unmarshal(line, &task); err != nil {
			return nil, labrerr.Wrap(labrerr.ConfigInvalid, fmt.Sprintf("dataset %s line %d", path, lineNo), err)
		}
		if task.ID == "" {
			return nil, labrerr.Newf(labrerr.ConfigInvalid, "dataset %s line %d: task id must not be empty", path, lineNo)
		}
		if seen[task.ID] {
			return nil, labrerr.Newf(labrerr.ConfigInvalid, "dataset %s: duplicate task id %q", path, task.ID)
		}
		seen[task.ID] = true
		tasks = append(tasks, task)

		if limit > 0 && len(tasks) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("experiment: scan dataset %s: %w", path, err)
	}

	return tasks, nil
}
