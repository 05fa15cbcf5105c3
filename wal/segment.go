/*
WAL segment files.

The WAL is logically one continuous byte stream addressed by lsn. On disk the
stream is chopped into fixed-size segment files named wal_%016x.log where the
hex number is the segment index (stream offset / segment size). Records are
written at their lsn without any per-segment header, so a record may span the
boundary between two segment files, exactly as the lsn arithmetic implies.

see: https://github.com/postgres/postgres/blob/master/src/backend/access/transam/xlog.c
*/
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultSegmentSize matches the postgres default wal segment size
const DefaultSegmentSize = 16 * 1024 * 1024

const segmentPrefix = "wal_"

type segmentSet struct {
	dir  string
	size int64

	// open segment files keyed by segment index
	files map[int64]*os.File
}

func newSegmentSet(dir string, size int64) (*segmentSet, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create wal directory")
	}
	return &segmentSet{
		dir:   dir,
		size:  size,
		files: make(map[int64]*os.File),
	}, nil
}

func segmentFileName(index int64) string {
	return fmt.Sprintf("%s%016x.log", segmentPrefix, index)
}

func parseSegmentIndex(name string) (int64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	hex := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), ".log")
	idx, err := strconv.ParseInt(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func (s *segmentSet) open(index int64) (*os.File, error) {
	if f, ok := s.files[index]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, segmentFileName(index))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal segment %s", path)
	}
	s.files[index] = f
	return f, nil
}

// writeAt writes b at the stream offset off, splitting across segment
// boundaries as needed
func (s *segmentSet) writeAt(b []byte, off int64) error {
	for len(b) > 0 {
		index := off / s.size
		segOff := off % s.size
		n := int64(len(b))
		if segOff+n > s.size {
			n = s.size - segOff
		}
		f, err := s.open(index)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(b[:n], segOff); err != nil {
			return errors.Wrapf(err, "write wal segment %d", index)
		}
		b = b[n:]
		off += n
	}
	return nil
}

// readAt fills b from the stream offset off. returns io-level errors as-is so
// callers can distinguish a short read at end of stream.
func (s *segmentSet) readAt(b []byte, off int64) error {
	for len(b) > 0 {
		index := off / s.size
		segOff := off % s.size
		n := int64(len(b))
		if segOff+n > s.size {
			n = s.size - segOff
		}
		f, err := s.open(index)
		if err != nil {
			return err
		}
		if _, err := f.ReadAt(b[:n], segOff); err != nil {
			return err
		}
		b = b[n:]
		off += n
	}
	return nil
}

// syncRange fsyncs every segment overlapping the stream range [lo, hi)
func (s *segmentSet) syncRange(lo, hi int64) error {
	if hi <= lo {
		return nil
	}
	for index := lo / s.size; index <= (hi-1)/s.size; index++ {
		f, err := s.open(index)
		if err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return errors.Wrapf(err, "fsync wal segment %d", index)
		}
	}
	return nil
}

// bounds scans the directory and returns the stream offset of the start of
// the lowest existing segment and the offset just past the last byte that
// could hold WAL data. used at startup to bound the end-of-wal scan.
func (s *segmentSet) bounds() (lo, hi int64, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, errors.Wrap(err, "read wal directory")
	}
	var indexes []int64
	for _, e := range entries {
		if idx, ok := parseSegmentIndex(e.Name()); ok {
			indexes = append(indexes, idx)
		}
	}
	if len(indexes) == 0 {
		return 0, 0, nil
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	last := indexes[len(indexes)-1]
	fi, err := os.Stat(filepath.Join(s.dir, segmentFileName(last)))
	if err != nil {
		return 0, 0, errors.Wrap(err, "stat wal segment")
	}
	return indexes[0] * s.size, last*s.size + fi.Size(), nil
}

// removeBelow deletes segment files that lie entirely below the stream
// offset off. used by checkpointing to recycle old WAL, subject to the
// replication slot restart lsns.
func (s *segmentSet) removeBelow(off int64) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "read wal directory")
	}
	for _, e := range entries {
		idx, ok := parseSegmentIndex(e.Name())
		if !ok {
			continue
		}
		if (idx+1)*s.size > off {
			continue
		}
		if f, open := s.files[idx]; open {
			f.Close()
			delete(s.files, idx)
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return errors.Wrapf(err, "remove wal segment %s", e.Name())
		}
	}
	return nil
}

func (s *segmentSet) close() error {
	var first error
	for idx, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, idx)
	}
	return first
}
