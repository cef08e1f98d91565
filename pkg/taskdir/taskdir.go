// Package taskdir lays out and resolves paths within one task's result
// directory: task.json, machine.json, the logs/memory/files upload
// categories, screenshots, the netcapture pcap, run_errors.json and the
// optional zipped_results.zip. It is the on-disk counterpart of the
// volume layout pkg/volume gives a container, adapted from a
// driver-per-backend abstraction to a fixed, single-purpose directory
// tree per task.
package taskdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cert-ee/cuckoonode/pkg/types"
)

// Category names one of the upload directories a Result Server FILE
// upload may target.
type Category string

const (
	CategoryLogs   Category = "logs"
	CategoryMemory Category = "memory"
	CategoryFiles  Category = "files"
)

// ValidCategories is the allowlist the Result Server checks FILE uploads
// against.
var ValidCategories = map[Category]bool{
	CategoryLogs:   true,
	CategoryMemory: true,
	CategoryFiles:  true,
}

const (
	taskFileName         = "task.json"
	machineFileName      = "machine.json"
	runErrorsFileName    = "run_errors.json"
	pcapFileName         = "pcap"
	zippedResultsName    = "zipped_results.zip"
	screenshotsDirName   = "screenshots"
)

// Dir manages one task's result directory rooted at base/taskID.
type Dir struct {
	root string
}

// New returns a Dir rooted at filepath.Join(base, taskID), creating it and
// its upload-category subdirectories if they don't already exist.
func New(base, taskID string) (*Dir, error) {
	root := filepath.Join(base, taskID)
	d := &Dir{root: root}
	for _, sub := range []string{string(CategoryLogs), string(CategoryMemory), string(CategoryFiles), screenshotsDirName} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("taskdir: create %s: %w", sub, err)
		}
	}
	return d, nil
}

// Root returns the task's base directory.
func (d *Dir) Root() string { return d.root }

// TaskFile returns the path to task.json.
func (d *Dir) TaskFile() string { return filepath.Join(d.root, taskFileName) }

// MachineFile returns the path to machine.json.
func (d *Dir) MachineFile() string { return filepath.Join(d.root, machineFileName) }

// RunErrorsFile returns the path to run_errors.json.
func (d *Dir) RunErrorsFile() string { return filepath.Join(d.root, runErrorsFileName) }

// PcapFile returns the pcap path inside the task directory. This is where
// the Machinery Manager writes the capture when its PcapDir is the task
// directory base.
func (d *Dir) PcapFile() string { return filepath.Join(d.root, pcapFileName) }

// ZippedResultsFile returns the path the Node Controller writes the
// zipped result bundle to, for remote nodes.
func (d *Dir) ZippedResultsFile() string { return filepath.Join(d.root, zippedResultsName) }

// ScreenshotFile returns the path for a screenshot taken atMillis
// milliseconds into the run.
func (d *Dir) ScreenshotFile(atMillis int64) string {
	return filepath.Join(d.root, screenshotsDirName, fmt.Sprintf("%d.jpg", atMillis))
}

// CategoryPath resolves a FILE upload's category to its directory,
// rejecting anything outside ValidCategories.
func (d *Dir) CategoryPath(cat Category) (string, error) {
	if !ValidCategories[cat] {
		return "", fmt.Errorf("taskdir: unknown upload category %q", cat)
	}
	return filepath.Join(d.root, string(cat)), nil
}

// WriteTask persists task.json.
func (d *Dir) WriteTask(task *types.Task) error {
	return writeJSON(d.TaskFile(), task)
}

// WriteMachine persists machine.json, the snapshot of the machine
// assigned to this task at flow start.
func (d *Dir) WriteMachine(m *types.Machine) error {
	return writeJSON(d.MachineFile(), m)
}

// RunError is one entry in run_errors.json.
type RunError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// WriteRunErrors persists run_errors.json when a task fails.
func (d *Dir) WriteRunErrors(errs []RunError) error {
	return writeJSON(d.RunErrorsFile(), errs)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("taskdir: marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("taskdir: write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// Remove deletes the task's entire directory tree. Nothing in this module
// calls it.
func (d *Dir) Remove() error {
	return os.RemoveAll(d.root)
}
