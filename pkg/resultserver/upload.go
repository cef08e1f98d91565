package resultserver

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cert-ee/cuckoonode/pkg/metrics"
	"github.com/cert-ee/cuckoonode/pkg/taskdir"
)

const (
	maxFileBytes       = 128 * 1024 * 1024
	maxScreenshotBytes = 4 * 1024 * 1024
	copyChunkBytes     = 2048
	truncatedMarker    = "... (truncated by resultserver)"
	jpegSOI0           = 0xFF
	jpegSOI1           = 0xD8
)

func handleFileUpload(conn net.Conn, reader *bufio.Reader, m *mapping, log zerolog.Logger) {
	pathLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	category, filename, ok := splitCategoryPath(trimCRLF(pathLine))
	if !ok {
		log.Warn().Str("path", pathLine).Msg("rejecting unsafe FILE upload path")
		metrics.UploadsTotal.WithLabelValues("file", "rejected").Inc()
		return
	}

	dirPath, err := m.dir.CategoryPath(taskdir.Category(category))
	if err != nil {
		log.Warn().Str("category", category).Msg("rejecting FILE upload with unknown category")
		metrics.UploadsTotal.WithLabelValues("file", "rejected").Inc()
		return
	}

	destPath := dirPath + string(os.PathSeparator) + filename
	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("dest", destPath).Msg("FILE upload destination already exists or cannot be created")
		metrics.UploadsTotal.WithLabelValues("file", "rejected").Inc()
		return
	}
	defer f.Close()

	n, truncated, err := copyBounded(f, reader, maxFileBytes, m.cancel)
	outcome := "ok"
	if err != nil || truncated {
		outcome = "aborted"
	}
	metrics.UploadsTotal.WithLabelValues("file", outcome).Inc()
	metrics.UploadBytesTotal.WithLabelValues("file").Add(float64(n))
	log.Debug().Int64("bytes", n).Bool("truncated", truncated).Msg("FILE upload complete")
}

func handleScreenshotUpload(conn net.Conn, reader *bufio.Reader, m *mapping, log zerolog.Logger) {
	msLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	ms := trimCRLF(msLine)
	destPath := m.dir.ScreenshotFile(parseMillis(ms))

	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return
	}
	if header[0] != jpegSOI0 || header[1] != jpegSOI1 {
		log.Warn().Msg("rejecting SCREENSHOT upload with bad JPEG header")
		metrics.UploadsTotal.WithLabelValues("screenshot", "rejected").Inc()
		return
	}

	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("screenshot", "rejected").Inc()
		return
	}

	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(destPath)
		metrics.UploadsTotal.WithLabelValues("screenshot", "rejected").Inc()
		return
	}

	n, truncated, err := copyBounded(f, reader, maxScreenshotBytes, m.cancel)
	f.Close()
	if err != nil {
		os.Remove(destPath)
		metrics.UploadsTotal.WithLabelValues("screenshot", "aborted").Inc()
		return
	}

	outcome := "ok"
	if truncated {
		outcome = "aborted"
	}
	metrics.UploadsTotal.WithLabelValues("screenshot", outcome).Inc()
	metrics.UploadBytesTotal.WithLabelValues("screenshot").Add(float64(n + 2))
	log.Debug().Int64("bytes", n+2).Msg("SCREENSHOT upload complete")
}

// handleLogUpload is the LOG supplemental upload protocol: the rest of the
// connection's stream after the header line (up to maxFileBytes, then the
// truncation marker) is appended to logs/task.log. It is not part
// of the distilled FILE/SCREENSHOT protocol pair but was present in the
// original agent-reporting surface and is cheap to keep: guest agents can
// emit free-text progress lines without going through the FILE protocol's
// exclusive-create-per-path semantics.
func handleLogUpload(conn net.Conn, reader *bufio.Reader, m *mapping, log zerolog.Logger) {
	dirPath, err := m.dir.CategoryPath(taskdir.CategoryLogs)
	if err != nil {
		return
	}
	f, err := os.OpenFile(dirPath+string(os.PathSeparator)+"task.log", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("log", "rejected").Inc()
		return
	}
	defer f.Close()

	n, truncated, err := copyBounded(f, reader, maxFileBytes, m.cancel)
	outcome := "ok"
	if err != nil || truncated {
		outcome = "aborted"
	}
	metrics.UploadsTotal.WithLabelValues("log", outcome).Inc()
	metrics.UploadBytesTotal.WithLabelValues("log").Add(float64(n))
}

// copyBounded streams src into dst in copyChunkBytes reads, stopping at
// limit bytes (writing truncatedMarker instead of continuing) or when
// cancel fires.
func copyBounded(dst io.Writer, src io.Reader, limit int64, cancel <-chan struct{}) (written int64, truncated bool, err error) {
	buf := make([]byte, copyChunkBytes)
	for {
		select {
		case <-cancel:
			return written, false, io.ErrClosedPipe
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if written+int64(n) > limit {
				allowed := limit - written
				if allowed > 0 {
					dst.Write(buf[:allowed])
					written += allowed
				}
				io.WriteString(dst, truncatedMarker)
				return written, true, nil
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, false, werr
			}
			written += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, false, nil
			}
			return written, false, rerr
		}
	}
}

// splitCategoryPath parses "<category>/<filename>" after turning
// backslashes into '/', rejecting traversal, NUL, colons and a filename
// that still contains '/'. sanitizeFilename then replaces any of those
// characters with X, though the checks above leave none in filename.
func splitCategoryPath(line string) (category, filename string, ok bool) {
	line = strings.ReplaceAll(line, "\\", "/")
	if strings.ContainsAny(line, "\x00:") {
		return "", "", false
	}
	if strings.Contains(line, "..") {
		return "", "", false
	}
	idx := strings.IndexByte(line, '/')
	if idx < 0 {
		return "", "", false
	}
	category = line[:idx]
	filename = line[idx+1:]
	if filename == "" || strings.Contains(filename, "/") {
		return "", "", false
	}
	filename = sanitizeFilename(filename)
	return category, filename, true
}

func sanitizeFilename(name string) string {
	var b bytes.Buffer
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 || r == ':' {
			b.WriteByte('X')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseMillis(s string) int64 {
	var ms int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return ms
		}
		ms = ms*10 + int64(r-'0')
	}
	return ms
}
