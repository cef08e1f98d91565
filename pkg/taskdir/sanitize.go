package taskdir

import "strings"

// SafeFilename reports whether name is safe to use as a single path
// component for an uploaded file: no path traversal, no path separators,
// no NUL or other control bytes that could confuse the filesystem or a
// downstream consumer of run_errors.json / task.json.
func SafeFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00:") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}
