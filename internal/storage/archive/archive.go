// Package archive writes expired aggregate rows to Parquet files before the
// retention sweeper deletes them.
//
// Files are laid out as <dir>/<granularity>/<granularity>-<cutoff>-<written>.parquet
// where cutoff and written are Unix milliseconds.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/xtxerr/tally/config"
	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/storage/types"
)

var log = logging.Component("archive")

// Compression names a Parquet codec.
type Compression int

const (
	CompressionZstd Compression = iota
	CompressionSnappy
	CompressionGzip
	CompressionNone
)

// ParseCompression parses a codec name. Unknown names select zstd.
func ParseCompression(s string) Compression {
	switch strings.ToLower(s) {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (c Compression) codec() compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionGzip:
		return &parquet.Gzip
	case CompressionNone:
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// Options configures the archiver.
type Options struct {
	Dir          string
	Compression  Compression
	RowGroupSize int
}

// DefaultOptions returns default archive options.
func DefaultOptions() Options {
	return Options{
		Dir:          config.DefaultArchiveDir,
		Compression:  CompressionZstd,
		RowGroupSize: config.DefaultArchiveRowGroupSize,
	}
}

// Row is one archived bucket.
type Row struct {
	Account  string  `parquet:"account,dict"`
	App      string  `parquet:"app,dict"`
	DeviceID int32   `parquet:"device_id"`
	PinType  string  `parquet:"pin_type,dict"`
	Pin      int32   `parquet:"pin"`
	Ts       int64   `parquet:"ts"`
	Sum      float64 `parquet:"value_sum"`
	Count    int64   `parquet:"value_count"`
	Average  float64 `parquet:"value_avg"`
}

func toRow(a types.Aggregate) Row {
	return Row{
		Account:  a.Key.Account,
		App:      a.Key.App,
		DeviceID: a.Key.DeviceID,
		PinType:  a.Key.PinType.String(),
		Pin:      int32(a.Key.Pin),
		Ts:       a.Key.Ts,
		Sum:      a.Sum,
		Count:    a.Count,
		Average:  a.Average(),
	}
}

func fromRow(r Row) (types.Aggregate, error) {
	pt, err := types.ParsePinType(r.PinType)
	if err != nil {
		return types.Aggregate{}, err
	}
	return types.Aggregate{
		Key: types.BucketKey{
			Account:  r.Account,
			App:      r.App,
			DeviceID: r.DeviceID,
			PinType:  pt,
			Pin:      uint8(r.Pin),
			Ts:       r.Ts,
		},
		Sum:   r.Sum,
		Count: r.Count,
	}, nil
}

// Archiver writes Parquet archives.
type Archiver struct {
	opts Options
	now  func() time.Time
}

// New creates an archiver rooted at opts.Dir.
func New(opts Options) (*Archiver, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultOptions().Dir
	}
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = DefaultOptions().RowGroupSize
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archiver{opts: opts, now: time.Now}, nil
}

// Dir returns the directory holding archives of g.
func (a *Archiver) Dir(g types.Granularity) string {
	return filepath.Join(a.opts.Dir, g.String())
}

// Write stores rows expired at cutoff and returns the file path. The file is
// written under a temporary name and renamed once complete, so a crash never
// leaves a partial archive behind. Writing no rows creates no file.
func (a *Archiver) Write(g types.Granularity, cutoff int64, rows []types.Aggregate) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	dir := a.Dir(g)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	name := fmt.Sprintf("%s-%d-%d.parquet", g, cutoff, a.now().UnixMilli())
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}

	w := parquet.NewGenericWriter[Row](f,
		parquet.Compression(a.opts.Compression.codec()),
		parquet.KeyValueMetadata("granularity", g.String()),
		parquet.KeyValueMetadata("cutoff_ms", fmt.Sprint(cutoff)),
	)

	if err := writeRows(w, rows, a.opts.RowGroupSize); err != nil {
		w.Close()
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("close writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename archive: %w", err)
	}

	log.Debug("archive written", "granularity", g, "rows", len(rows), "path", path)
	return path, nil
}

func writeRows(w *parquet.GenericWriter[Row], rows []types.Aggregate, groupSize int) error {
	buf := make([]Row, 0, min(groupSize, len(rows)))
	for start := 0; start < len(rows); start += groupSize {
		end := min(start+groupSize, len(rows))

		buf = buf[:0]
		for _, r := range rows[start:end] {
			buf = append(buf, toRow(r))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush row group: %w", err)
		}
	}
	return nil
}

// List returns the archive files of g, oldest first.
func (a *Archiver) List(g types.Granularity) ([]string, error) {
	entries, err := os.ReadDir(a.Dir(g))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".parquet" {
			continue
		}
		paths = append(paths, filepath.Join(a.Dir(g), e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadFile reads every row of an archive file.
func ReadFile(path string) ([]types.Aggregate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[Row](f)
	defer r.Close()

	rows := make([]Row, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	out := make([]types.Aggregate, 0, n)
	for _, row := range rows[:n] {
		agg, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, agg)
	}
	return out, nil
}
