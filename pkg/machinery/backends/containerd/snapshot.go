package containerd

import (
	"fmt"

	"github.com/diskfs/go-diskfs"
)

// SnapshotInfo describes the pinned disk image backing a machine's
// restore_start semantics.
type SnapshotInfo struct {
	Path       string
	SizeBytes  int64
	Partitions int
}

// InspectSnapshot opens the qcow2/raw disk image at path read-only and
// reports its size and partition count, used at startup to fail fast on a
// machine whose pinned image is missing or corrupt before any restore_start
// is ever attempted against it.
func InspectSnapshot(path string) (SnapshotInfo, error) {
	disk, err := diskfs.Open(path)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("open snapshot image %s: %w", path, err)
	}
	defer disk.File.Close()

	partitions := 0
	if table, err := disk.GetPartitionTable(); err == nil && table != nil {
		partitions = len(table.GetPartitions())
	}

	return SnapshotInfo{
		Path:       path,
		SizeBytes:  disk.Size,
		Partitions: partitions,
	}, nil
}
