package logbuffer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/cuemby/strand/pkg/buffer"
)

// RawLog is a mapped log buffer file: PartitionCount term buffers followed
// by the metadata trailer
type RawLog struct {
	fileName string
	mapping  []byte
	terms    [PartitionCount]*buffer.Atomic
	meta     *buffer.Atomic
}

// FileName returns the path of the backing file, reported to clients in
// PublicationReady and AvailableImage responses
func (l *RawLog) FileName() string {
	return l.fileName
}

// TermBuffer returns the term buffer for a partition index
func (l *RawLog) TermBuffer(index int32) *buffer.Atomic {
	return l.terms[index]
}

// Meta returns the metadata trailer
func (l *RawLog) Meta() *buffer.Atomic {
	return l.meta
}

// Close unmaps the log without deleting the file
func (l *RawLog) Close() error {
	if l.mapping != nil {
		if err := unix.Munmap(l.mapping); err != nil {
			return fmt.Errorf("failed to unmap log %s: %w", l.fileName, err)
		}
		l.mapping = nil
	}
	return nil
}

// Delete unmaps the log and unlinks the file
func (l *RawLog) Delete() error {
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.fileName); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete log %s: %w", l.fileName, err)
	}
	return nil
}

// Factory creates log buffer files for publications and images
type Factory interface {
	NewPublicationLog(correlationID int64, termLength int32, useSparse bool) (*RawLog, error)
	NewImageLog(correlationID int64, termLength int32, useSparse bool) (*RawLog, error)
	Close() error
}

// FileFactory creates log files under <dir>/publications and <dir>/images,
// named by correlation id
type FileFactory struct {
	dir          string
	filePageSize int32
}

// NewFileFactory creates a FileFactory, making the directories eagerly so a
// later allocation on the hot path cannot fail on mkdir
func NewFileFactory(dir string, filePageSize int32) (*FileFactory, error) {
	for _, sub := range []string{"publications", "images"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	return &FileFactory{dir: dir, filePageSize: filePageSize}, nil
}

// NewPublicationLog creates a publication term log
func (f *FileFactory) NewPublicationLog(correlationID int64, termLength int32, useSparse bool) (*RawLog, error) {
	return f.newLog(filepath.Join(f.dir, "publications", logName(correlationID)), termLength, useSparse)
}

// NewImageLog creates an image term log
func (f *FileFactory) NewImageLog(correlationID int64, termLength int32, useSparse bool) (*RawLog, error) {
	return f.newLog(filepath.Join(f.dir, "images", logName(correlationID)), termLength, useSparse)
}

// Close is a no-op for the file factory; individual logs own their mappings
func (f *FileFactory) Close() error {
	return nil
}

func (f *FileFactory) newLog(path string, termLength int32, useSparse bool) (*RawLog, error) {
	if err := CheckTermLength(termLength); err != nil {
		return nil, err
	}

	logLength := ComputeLogLength(termLength, f.filePageSize)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	if err := file.Truncate(logLength); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to size log file: %w", err)
	}

	mapping, err := unix.Mmap(int(file.Fd()), 0, int(logLength),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	// The mapping outlives the descriptor
	file.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to map log file: %w", err)
	}

	if !useSparse {
		touchPages(mapping, int(f.filePageSize))
	}

	log := &RawLog{fileName: path, mapping: mapping}
	metaStart := logLength - LogMetaDataLength
	for i := 0; i < PartitionCount; i++ {
		start := int64(i) * int64(termLength)
		log.terms[i] = buffer.NewAtomic(mapping[start : start+int64(termLength)])
	}
	log.meta = buffer.NewAtomic(mapping[metaStart:logLength])

	return log, nil
}

func logName(correlationID int64) string {
	return strconv.FormatInt(correlationID, 10) + ".logbuffer"
}

func touchPages(mapping []byte, pageSize int) {
	for i := 0; i < len(mapping); i += pageSize {
		mapping[i] = 0
	}
}
