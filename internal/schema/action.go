package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ActionFile is a user action handed over by the UI layer as a JSON file in
// the inbox directory. Filename convention: {id}.json
//
//	{
//	  "id": "3f0c...",
//	  "action": "assign",
//	  "target_id": "O1",
//	  "status": "assigned",
//	  "payload": {"assignee": "I1"},
//	  "created_at": "2026-10-15T07:36:29Z"
//	}
type ActionFile struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	TargetID  string         `json:"target_id"`
	Status    Status         `json:"status,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Path is where the action was read from. Not serialized.
	Path string `json:"-"`
}

// Validate checks if the ActionFile has valid field values.
func (a *ActionFile) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.TargetID == "" {
		return fmt.Errorf("target_id is required")
	}
	if a.Action == "" {
		return fmt.Errorf("action is required")
	}
	if a.Status != "" && !a.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", a.Status)
	}
	if a.Status == "" && len(a.Payload) == 0 {
		return fmt.Errorf("action %s changes nothing", a.ID)
	}
	return nil
}

// Filename returns the canonical filename for this action: {id}.json
func (a *ActionFile) Filename() string {
	return fmt.Sprintf("%s.json", a.ID)
}

// Patch returns the write body described by the action.
func (a *ActionFile) Patch() Patch {
	return Patch{Status: a.Status, Payload: a.Payload}
}

// ReadActionFile reads and validates an action file.
func ReadActionFile(path string) (*ActionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read action file %s: %w", path, err)
	}

	var a ActionFile
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse action file %s: %w", path, err)
	}
	a.Path = path
	if a.ID == "" {
		a.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action file %s: %w", path, err)
	}

	return &a, nil
}

// WriteActionFile writes an action to dir/{id}.json. The file is written to
// a temporary name first and renamed so watchers never see a partial file.
func WriteActionFile(dir string, a *ActionFile) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid action: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal action %s: %w", a.ID, err)
	}

	path := filepath.Join(dir, a.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write action file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish action file %s: %w", path, err)
	}

	return nil
}

// ReadAllActionFiles reads all action files in dir, oldest first.
// Invalid files are returned in skipped instead of failing the whole read.
func ReadAllActionFiles(dir string) (actions []*ActionFile, skipped []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read inbox directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		a, err := ReadActionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			skipped = append(skipped, entry.Name())
			continue
		}
		actions = append(actions, a)
	}

	sortActions(actions)
	return actions, skipped, nil
}

func sortActions(actions []*ActionFile) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}
