// Package store keeps partitions as immutable Parquet files.
//
// A partition is written once to a temporary file and renamed into place
// under a name derived from its id. Files are never modified afterwards;
// a rewritten partition is a new file with a new id.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/metrics"
	"github.com/gigapi/gigapi-warehouse/table"
)

const (
	tmpDir     = "tmp"
	filePrefix = "part-"
	fileExt    = ".parquet"
)

// Store is the partition storage used by the warehouse engines
type Store interface {
	// WritePartition persists b under a newly allocated id and returns
	// the statistics of the written rows
	WritePartition(ctx context.Context, b *table.Batch) (table.PartitionID, table.Stats, error)
	// ReadPartition returns all rows of a partition in their original order
	ReadPartition(ctx context.Context, id table.PartitionID) (*table.Batch, error)
	DeletePartition(ctx context.Context, id table.PartitionID) error
	// List returns the ids of the partitions on disk, ascending
	List(ctx context.Context) ([]table.PartitionID, error)
	// Path returns the location of a partition file
	Path(id table.PartitionID) string
}

type Options struct {
	Fs          afero.Fs
	Dir         string
	Schema      *table.Schema
	Compression string
	Metrics     *metrics.Metrics
}

// FileStore is a Store writing one Parquet file per partition
type FileStore struct {
	fs      afero.Fs
	dir     string
	schema  *table.Schema
	codec   compress.Compression
	mem     memory.Allocator
	metrics *metrics.Metrics

	mu     sync.Mutex
	nextID table.PartitionID
}

var _ Store = (*FileStore)(nil)

// Open prepares dir for use, removes leftovers of interrupted writes and
// resumes id allocation after the highest id found on disk.
func Open(ctx context.Context, opts Options) (*FileStore, error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("store: schema is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	codec, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	s := &FileStore{
		fs:      opts.Fs,
		dir:     opts.Dir,
		schema:  opts.Schema,
		codec:   codec,
		mem:     memory.DefaultAllocator,
		metrics: opts.Metrics,
		nextID:  1,
	}
	if err := s.fs.MkdirAll(filepath.Join(s.dir, tmpDir), 0o755); err != nil {
		return nil, core.NewIOError("open", 0, err)
	}
	if err := s.cleanTmp(ctx); err != nil {
		return nil, err
	}
	ids, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.nextID = ids[len(ids)-1] + 1
	}
	core.Infof(ctx, "partition store opened at %s: %d partitions, next id %d", s.dir, len(ids), s.nextID)
	return s, nil
}

// ParseCompression maps a codec name to the Parquet compression codec
func ParseCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return compress.Codecs.Zstd, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression %q", name)
}

func (s *FileStore) cleanTmp(ctx context.Context) error {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.dir, tmpDir))
	if err != nil {
		return core.NewIOError("open", 0, err)
	}
	for _, e := range entries {
		p := filepath.Join(s.dir, tmpDir, e.Name())
		if err := s.fs.Remove(p); err != nil {
			return core.NewIOError("open", 0, err)
		}
		core.Warnf(ctx, "removed stale temporary file %s", p)
	}
	return nil
}

func (s *FileStore) Path(id table.PartitionID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%020d%s", filePrefix, uint64(id), fileExt))
}

func (s *FileStore) Schema() *table.Schema { return s.schema }

// Fs returns the filesystem the partitions live on
func (s *FileStore) Fs() afero.Fs { return s.fs }

func (s *FileStore) allocate() table.PartitionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

func (s *FileStore) WritePartition(ctx context.Context, b *table.Batch) (table.PartitionID, table.Stats, error) {
	if b.Len() == 0 {
		return 0, table.Stats{}, fmt.Errorf("store: refusing to write an empty partition")
	}
	if !b.Schema.Equal(s.schema) {
		return 0, table.Stats{}, core.SchemaMismatchf("batch schema %s, store schema %s", b.Schema, s.schema)
	}
	id := s.allocate()
	tmp := filepath.Join(s.dir, tmpDir, uuid.NewString()+fileExt)
	if err := s.writeFile(tmp, b); err != nil {
		_ = s.fs.Remove(tmp)
		s.metrics.IOFailure("write")
		return 0, table.Stats{}, core.NewIOError("write", uint64(id), err)
	}
	if err := s.fs.Rename(tmp, s.Path(id)); err != nil {
		_ = s.fs.Remove(tmp)
		s.metrics.IOFailure("write")
		return 0, table.Stats{}, core.NewIOError("write", uint64(id), err)
	}
	s.metrics.Written()
	core.Debugf(ctx, "wrote partition %d with %d rows", id, b.Len())
	return id, table.ComputeStats(b), nil
}

// writerOnly hides Close from the parquet writer so the file is closed
// exactly once, by us
type writerOnly struct{ io.Writer }

func (s *FileStore) writeFile(path string, b *table.Batch) error {
	f, err := s.fs.Create(path)
	if err != nil {
		return err
	}
	rec := b.Record(s.mem)
	defer rec.Release()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(s.codec),
		parquet.WithAllocator(s.mem),
	)
	fw, err := pqarrow.NewFileWriter(s.schema.ArrowSchema(), writerOnly{f}, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(s.mem)))
	if err != nil {
		f.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := fw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) ReadPartition(ctx context.Context, id table.PartitionID) (*table.Batch, error) {
	f, err := s.fs.Open(s.Path(id))
	if err != nil {
		s.metrics.IOFailure("read")
		return nil, core.NewIOError("read", uint64(id), err)
	}
	defer f.Close()

	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(s.mem), pqarrow.ArrowReadProperties{}, s.mem)
	if err != nil {
		s.metrics.IOFailure("read")
		return nil, core.NewIOError("read", uint64(id), err)
	}
	defer tbl.Release()

	b, err := table.BatchFromTable(s.schema, tbl)
	if err != nil {
		return nil, fmt.Errorf("partition %d: %w", id, err)
	}
	return b, nil
}

func (s *FileStore) DeletePartition(ctx context.Context, id table.PartitionID) error {
	if err := s.fs.Remove(s.Path(id)); err != nil {
		s.metrics.IOFailure("delete")
		return core.NewIOError("delete", uint64(id), err)
	}
	core.Debugf(ctx, "deleted partition %d", id)
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]table.PartitionID, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.NewIOError("list", 0, err)
	}
	var ids []table.PartitionID
	for _, e := range entries {
		id, ok := parseName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func parseName(name string) (table.PartitionID, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return table.PartitionID(n), true
}
