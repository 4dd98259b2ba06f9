package counters

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/cuemby/strand/pkg/buffer"
)

// FileName is the counters file name within the driver directory
const FileName = "cnc.dat"

// MappedFile is a memory-mapped counters file shared with clients. The
// values region precedes the metadata region; both are sized from the
// configured values capacity.
type MappedFile struct {
	file     *os.File
	mapping  []byte
	Values   *buffer.Atomic
	Metadata *buffer.Atomic
}

// MapFile creates (or truncates) and maps the counters file under dir
func MapFile(dir string, valuesLength int32) (*MappedFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create driver directory: %w", err)
	}

	metadataLength := int64(valuesLength) / ValueLength * MetadataLength
	totalLength := int64(valuesLength) + metadataLength

	path := filepath.Join(dir, FileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create counters file: %w", err)
	}

	if err := file.Truncate(totalLength); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size counters file: %w", err)
	}

	mapping, err := unix.Mmap(int(file.Fd()), 0, int(totalLength),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map counters file: %w", err)
	}

	return &MappedFile{
		file:     file,
		mapping:  mapping,
		Values:   buffer.NewAtomic(mapping[:valuesLength]),
		Metadata: buffer.NewAtomic(mapping[valuesLength:]),
	}, nil
}

// Close unmaps and closes the counters file; the file itself remains for
// post-mortem inspection
func (m *MappedFile) Close() error {
	if m.mapping != nil {
		if err := unix.Munmap(m.mapping); err != nil {
			return fmt.Errorf("failed to unmap counters file: %w", err)
		}
		m.mapping = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return fmt.Errorf("failed to close counters file: %w", err)
		}
		m.file = nil
	}
	return nil
}
