package migration

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/util/fileutil"
)

// LegacyTask is one tab of the legacy per-document layout
type LegacyTask struct {
	TabID     int    `json:"tab_id"`
	URL       string `json:"url"`
	Incognito bool   `json:"incognito"`
}

// LegacyTaskIndex is the tab list of the legacy layout, in display order
type LegacyTaskIndex struct {
	SelectedTabID int          `json:"selected_tab_id"`
	Tasks         []LegacyTask `json:"tasks"`
}

// LoadLegacyTasks reads the task index at path. A missing index is an
// empty one.
func LoadLegacyTasks(path string) (*LegacyTaskIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return &LegacyTaskIndex{SelectedTabID: model.InvalidTabID}, nil
		}
		return nil, fmt.Errorf("failed to read legacy task index: %w", err)
	}

	idx := LegacyTaskIndex{SelectedTabID: model.InvalidTabID}
	if err := sonic.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse legacy task index %s: %w", path, err)
	}
	return &idx, nil
}

// SaveLegacyTasks writes idx to path
func SaveLegacyTasks(path string, idx *LegacyTaskIndex) error {
	data, err := sonic.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode legacy task index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data, 0o600)
}

// RemoveLegacyTasks deletes the task index
func RemoveLegacyTasks(path string) error {
	return fileutil.RemoveIfExists(path)
}

// NormalTasks returns the non-incognito tasks in display order
func (idx *LegacyTaskIndex) NormalTasks() []LegacyTask {
	out := make([]LegacyTask, 0, len(idx.Tasks))
	for _, task := range idx.Tasks {
		if !task.Incognito {
			out = append(out, task)
		}
	}
	return out
}

// CopyOrder returns the normal tab ids with selected first. An invalid
// selection falls back to the index's own.
func (idx *LegacyTaskIndex) CopyOrder(selected int) []int {
	if selected == model.InvalidTabID {
		selected = idx.SelectedTabID
	}

	tasks := idx.NormalTasks()
	out := make([]int, 0, len(tasks))
	for _, task := range tasks {
		if task.TabID == selected {
			out = append(out, task.TabID)
		}
	}
	for _, task := range tasks {
		if task.TabID != selected {
			out = append(out, task.TabID)
		}
	}
	return out
}
