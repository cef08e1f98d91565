package node

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cert-ee/cuckoonode/pkg/taskdir"
)

// zipTaskDir archives taskID's result directory into its
// zipped_results.zip file, for remote nodes whose Node Controller ships a
// single archive rather than individual files. It uses the standard
// library's archive/zip: no example repo in the reference pack imports a
// third-party zip library, and the format is a stdlib-native concern.
func zipTaskDir(taskDirBase, taskID string) error {
	td, err := taskdir.New(taskDirBase, taskID)
	if err != nil {
		return fmt.Errorf("zip: locate task directory: %w", err)
	}

	root := td.Root()
	dest := td.ZippedResultsFile()

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("zip: create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if path == dest || path == tmp {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})

	closeErr := zw.Close()
	syncErr := out.Sync()
	fileCloseErr := out.Close()

	if walkErr != nil || closeErr != nil || syncErr != nil || fileCloseErr != nil {
		_ = os.Remove(tmp)
		switch {
		case walkErr != nil:
			return fmt.Errorf("zip: walk result directory: %w", walkErr)
		case closeErr != nil:
			return fmt.Errorf("zip: finalize archive: %w", closeErr)
		case syncErr != nil:
			return fmt.Errorf("zip: sync archive: %w", syncErr)
		default:
			return fmt.Errorf("zip: close archive: %w", fileCloseErr)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("zip: rename archive into place: %w", err)
	}
	return nil
}
