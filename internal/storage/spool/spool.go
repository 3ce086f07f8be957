// Package spool persists aggregate snapshots that could not be written to
// storage, and replays them on the next start.
//
// Segment file format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//
// Every Append is flushed and fsynced before it returns.
package spool

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/tally/config"
	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/metrics"
	"github.com/xtxerr/tally/internal/storage/types"
)

var log = logging.Component("spool")

const (
	spoolMagic       = 0x54414C5953504C01 // "TALYSPL" + version 1
	spoolVersion     = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxRecordSize    = 64 * 1024 * 1024

	segmentSuffix = ".spool"
)

// Options configures the spool.
type Options struct {
	Dir string

	// MaxSegmentSize is the size at which a new segment is started.
	MaxSegmentSize int64

	// MaxBytes bounds the total size of all segments. Appends beyond it
	// fail with errors.ErrQueueFull. Zero means unbounded.
	MaxBytes int64

	Metrics *metrics.Spool
}

// DefaultOptions returns default spool options.
func DefaultOptions() Options {
	return Options{
		Dir:            config.DefaultSpoolDir,
		MaxSegmentSize: 4 * 1024 * 1024,
		MaxBytes:       config.DefaultSpoolMaxBytes,
	}
}

// Stats holds spool statistics.
type Stats struct {
	Segments       int
	Bytes          int64
	Appended       int64
	Replayed       int64
	CorruptRecords int64
}

// Spool is an append-only segment log of failed snapshots.
type Spool struct {
	mu sync.Mutex

	opts Options

	current     *os.File
	currentPath string
	currentSize int64
	writer      *bufio.Writer
	segmentSeq  int64

	totalBytes int64
	closed     bool

	appended int64
	replayed int64
	corrupt  int64

	now func() time.Time
}

// Open opens or creates a spool in opts.Dir. Existing segments are left for
// Replay.
func Open(opts Options) (*Spool, error) {
	def := DefaultOptions()
	if opts.Dir == "" {
		opts.Dir = def.Dir
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.MaxBytes < 0 {
		return nil, errors.NewValidation("spool.max_bytes", "must not be negative")
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	s := &Spool{opts: opts, now: time.Now}

	segments, err := listSegments(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	for _, seg := range segments {
		s.totalBytes += seg.size
	}
	if len(segments) > 0 {
		s.segmentSeq = segments[len(segments)-1].seq + 1
		log.Warn("spool holds unreplayed segments", "dir", opts.Dir, "segments", len(segments), "bytes", s.totalBytes)
	}

	return s, nil
}

// Append durably stores one snapshot for g.
func (s *Spool) Append(g types.Granularity, rows []types.Aggregate) error {
	if !g.Valid() {
		return errors.NewInvalidInput("granularity", g, "unknown")
	}
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}

	payload := encodeEntry(Entry{Granularity: g, Rows: rows, SpooledAtMs: s.now().UnixMilli()})
	if len(payload) > maxRecordSize {
		return fmt.Errorf("spool record of %d bytes exceeds limit", len(payload))
	}

	n, err := s.appendUnlocked(payload)
	if err != nil {
		return err
	}

	s.appended++
	s.opts.Metrics.Written(n)
	return nil
}

func (s *Spool) appendUnlocked(payload []byte) (int, error) {
	recordSize := int64(recordHeaderSize + len(payload))

	if s.opts.MaxBytes > 0 && s.totalBytes+recordSize > s.opts.MaxBytes {
		return 0, fmt.Errorf("spool holds %d bytes: %w", s.totalBytes, errors.ErrQueueFull)
	}

	if s.current == nil || s.currentSize+recordSize > s.opts.MaxSegmentSize {
		if err := s.rotateUnlocked(); err != nil {
			return 0, fmt.Errorf("rotate segment: %w", err)
		}
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := s.writer.Write(header[:]); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	if _, err := s.writer.Write(payload); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush record: %w", err)
	}
	if err := s.current.Sync(); err != nil {
		return 0, fmt.Errorf("sync segment: %w", err)
	}

	s.currentSize += recordSize
	s.totalBytes += recordSize
	return int(recordSize), nil
}

func (s *Spool) rotateUnlocked() error {
	s.closeCurrentUnlocked()

	path := filepath.Join(s.opts.Dir, fmt.Sprintf("%016d%s", s.segmentSeq, segmentSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], spoolMagic)
	binary.LittleEndian.PutUint32(header[8:12], spoolVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	s.current = f
	s.currentPath = path
	s.currentSize = headerSize
	s.totalBytes += headerSize
	s.writer = bufio.NewWriter(f)
	s.segmentSeq++
	return nil
}

func (s *Spool) closeCurrentUnlocked() {
	if s.current == nil {
		return
	}
	if s.writer != nil {
		s.writer.Flush()
	}
	s.current.Close()
	s.current = nil
	s.currentPath = ""
	s.writer = nil
}

// =============================================================================
// Replay
// =============================================================================

// ReplayFunc writes one spooled snapshot back to storage.
type ReplayFunc func(ctx context.Context, g types.Granularity, rows []types.Aggregate) error

// Replay hands every spooled snapshot to fn, oldest first, and deletes each
// segment once all of its records were accepted. When fn fails, the records
// not yet accepted are moved to a fresh segment so that a later Replay does
// not hand the accepted ones out again. Corrupt records end their segment.
// Replay returns the number of snapshots accepted.
func (s *Spool) Replay(ctx context.Context, fn ReplayFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.ErrClosed
	}

	s.closeCurrentUnlocked()

	segments, err := listSegments(s.opts.Dir)
	if err != nil {
		return 0, fmt.Errorf("list segments: %w", err)
	}

	accepted := 0
	for _, seg := range segments {
		payloads, corrupt, err := readSegment(seg.path)
		if err != nil {
			log.Error("unreadable spool segment skipped", "path", seg.path, "error", err)
			continue
		}
		if corrupt {
			s.corrupt++
			log.Warn("spool segment has a corrupt tail", "path", seg.path, "records", len(payloads))
		}

		for j, payload := range payloads {
			e, err := decodeEntry(payload)
			if err != nil {
				s.corrupt++
				log.Warn("spool record dropped", "path", seg.path, "record", j, "error", err)
				continue
			}

			if err := ctx.Err(); err != nil {
				return accepted, s.requeueUnlocked(seg, payloads[j:], len(payloads), err)
			}
			if err := fn(ctx, e.Granularity, e.Rows); err != nil {
				return accepted, s.requeueUnlocked(seg, payloads[j:], len(payloads), err)
			}

			accepted++
			s.replayed++
			s.opts.Metrics.Replayed()
		}

		if err := s.removeSegmentUnlocked(seg); err != nil {
			return accepted, err
		}
	}

	if accepted > 0 {
		log.Info("spool replayed", "snapshots", accepted)
	}
	return accepted, nil
}

// requeueUnlocked rewrites the unaccepted remainder of seg into a new
// segment and removes seg. A segment with nothing accepted stays as it is.
func (s *Spool) requeueUnlocked(seg segmentInfo, rest [][]byte, total int, cause error) error {
	if len(rest) < total {
		for _, payload := range rest {
			if _, err := s.appendUnlocked(payload); err != nil {
				return fmt.Errorf("replay: %w (requeue: %v)", cause, err)
			}
		}
		s.closeCurrentUnlocked()
		if err := s.removeSegmentUnlocked(seg); err != nil {
			return fmt.Errorf("replay: %w (requeue: %v)", cause, err)
		}
	}
	return fmt.Errorf("replay: %w", cause)
}

func (s *Spool) removeSegmentUnlocked(seg segmentInfo) error {
	if err := os.Remove(seg.path); err != nil {
		return fmt.Errorf("delete segment %s: %w", seg.path, err)
	}
	s.totalBytes -= seg.size
	if s.totalBytes < 0 {
		s.totalBytes = 0
	}
	return nil
}

// Close closes the current segment. Segments stay on disk for Replay.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.current == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		s.current.Close()
		return err
	}
	err := s.current.Close()
	s.current = nil
	return err
}

// Stats returns spool statistics.
func (s *Spool) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments, _ := listSegments(s.opts.Dir)
	return Stats{
		Segments:       len(segments),
		Bytes:          s.totalBytes,
		Appended:       s.appended,
		Replayed:       s.replayed,
		CorruptRecords: s.corrupt,
	}
}

// =============================================================================
// Segments
// =============================================================================

type segmentInfo struct {
	path string
	seq  int64
	size int64
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		var seq int64
		if _, err := fmt.Sscanf(name, "%016d"+segmentSuffix, &seq); err != nil {
			continue
		}
		if name != fmt.Sprintf("%016d%s", seq, segmentSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path: filepath.Join(dir, name),
			seq:  seq,
			size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})
	return segments, nil
}

// readSegment returns the intact record payloads of a segment. corrupt is
// true when reading stopped at a damaged or truncated record.
func readSegment(path string) (payloads [][]byte, corrupt bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, false, fmt.Errorf("read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != spoolMagic {
		return nil, false, fmt.Errorf("invalid magic: expected %x, got %x", uint64(spoolMagic), magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != spoolVersion {
		return nil, false, fmt.Errorf("unsupported version: %d", version)
	}

	for {
		var rh [recordHeaderSize]byte
		if _, err := io.ReadFull(r, rh[:]); err != nil {
			if err == io.EOF {
				return payloads, false, nil
			}
			return payloads, true, nil
		}

		length := binary.LittleEndian.Uint32(rh[0:4])
		expectedCRC := binary.LittleEndian.Uint32(rh[4:8])
		if length > maxRecordSize {
			return payloads, true, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return payloads, true, nil
		}
		if crc32.ChecksumIEEE(payload) != expectedCRC {
			return payloads, true, nil
		}
		payloads = append(payloads, payload)
	}
}
