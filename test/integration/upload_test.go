package integration

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cert-ee/cuckoonode/pkg/resultserver"
)

// newTestResultServer builds and starts a Result Server bound to a
// loopback TCP address, for tests that speak its upload wire protocol
// directly rather than going through the full node/taskflow stack.
func newTestResultServer(t *testing.T) (*resultserver.Server, string, string) {
	t.Helper()
	taskDir := t.TempDir()
	addr := freeTCPAddr(t)
	rs := resultserver.New(resultserver.Config{
		ListenAddr:  addr,
		ControlPath: t.TempDir() + "/resultserver.sock",
		TaskDirBase: taskDir,
	}, zerolog.Nop())
	require.NoError(t, rs.Listen())
	t.Cleanup(func() { rs.Close() })
	return rs, taskDir, addr
}

func dialUpload(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestBannedUploadPathRejected covers end-to-end scenario 4: a FILE
// upload whose path attempts directory traversal is rejected outright —
// the connection is closed, no file is created anywhere under the task
// directory, and the mapping remains usable for subsequent uploads.
func TestBannedUploadPathRejected(t *testing.T) {
	rs, taskDir, addr := newTestResultServer(t)
	require.NoError(t, rs.Map("127.0.0.1", "T-banned"))
	t.Cleanup(func() { rs.Unmap("127.0.0.1") })

	conn := dialUpload(t, addr)
	_, err := conn.Write([]byte("FILE\nfiles/../../secret\nmalicious-bytes"))
	require.NoError(t, err)
	conn.Close()

	time.Sleep(100 * time.Millisecond)

	var found []string
	filepath.Walk(taskDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Base(path) != "task.json" {
			found = append(found, path)
		}
		return nil
	})
	require.Empty(t, found, "no file should have been written for a banned upload path")

	// The mapping survives a rejected upload: a later well-formed upload
	// on a new connection from the same IP still succeeds.
	conn2 := dialUpload(t, addr)
	_, err = conn2.Write([]byte("FILE\nfiles/report.txt\nreport-bytes"))
	require.NoError(t, err)
	conn2.Close()

	pollUntil(t, time.Second, func() bool {
		_, err := os.Stat(filepath.Join(taskDir, "T-banned", "files", "report.txt"))
		return err == nil
	})
	data, err := os.ReadFile(filepath.Join(taskDir, "T-banned", "files", "report.txt"))
	require.NoError(t, err)
	require.Equal(t, "report-bytes", string(data))
}

// TestOversizeScreenshotTruncated covers end-to-end scenario 5: a
// screenshot upload past the 4MiB cap is truncated in place with the
// truncation marker appended, and the task's upload stream is otherwise
// unaffected (the mapping stays usable).
func TestOversizeScreenshotTruncated(t *testing.T) {
	rs, taskDir, addr := newTestResultServer(t)
	require.NoError(t, rs.Map("127.0.0.1", "T-oversize"))
	t.Cleanup(func() { rs.Unmap("127.0.0.1") })

	const capBytes = 4 * 1024 * 1024
	payload := make([]byte, capBytes+1024)
	payload[0], payload[1] = 0xFF, 0xD8 // JPEG SOI
	for i := 2; i < len(payload); i++ {
		payload[i] = byte(i)
	}

	conn := dialUpload(t, addr)
	_, err := conn.Write([]byte("SCREENSHOT\n1000\n"))
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
	conn.Close()

	screenshotPath := filepath.Join(taskDir, "T-oversize", "screenshots", "1000.jpg")
	pollUntil(t, time.Second, func() bool {
		_, err := os.Stat(screenshotPath)
		return err == nil
	})

	got, err := os.ReadFile(screenshotPath)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(got, []byte("... (truncated by resultserver)")))
	require.LessOrEqual(t, len(got), capBytes+len("... (truncated by resultserver)")+2)
}

// TestScreenshotBadJPEGHeaderRejected covers the boundary case paired
// with the truncation test above: a SCREENSHOT upload whose first two
// bytes aren't the JPEG start-of-image marker is rejected before any
// file is created.
func TestScreenshotBadJPEGHeaderRejected(t *testing.T) {
	rs, taskDir, addr := newTestResultServer(t)
	require.NoError(t, rs.Map("127.0.0.1", "T-badheader"))
	t.Cleanup(func() { rs.Unmap("127.0.0.1") })

	conn := dialUpload(t, addr)
	_, err := conn.Write([]byte("SCREENSHOT\n2000\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("NOTAJPEGbytes"))
	require.NoError(t, err)
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	_, err = os.Stat(filepath.Join(taskDir, "T-badheader", "screenshots", "2000.jpg"))
	require.True(t, os.IsNotExist(err))
}

// TestMapUnmapIdempotence covers the Result Server's add/remove control
// surface: a duplicate add for an already-mapped IP fails while the
// original mapping remains intact, and repeated removes are safe no-ops.
func TestMapUnmapIdempotence(t *testing.T) {
	rs, _, _ := newTestResultServer(t)

	require.NoError(t, rs.Map("10.0.0.5", "T-first"))
	err := rs.Map("10.0.0.5", "T-second")
	require.Error(t, err)

	rs.Unmap("10.0.0.5")
	rs.Unmap("10.0.0.5") // second Unmap must not panic or error

	require.NoError(t, rs.Map("10.0.0.5", "T-third"))
}
