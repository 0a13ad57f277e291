// Package filelog provides a backsync.Store as a single append-only file.
//
// Each record is framed as
//
//	uint32 length | uint32 CRC-32C of body | body (CBOR)
//
// with little-endian integers. A torn or corrupt tail left by a crash is
// truncated on Open; everything before it is kept. Removals append a
// tombstone, and the file is rewritten once tombstones dominate.
package filelog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/jonwraymond/infergate/backsync"
)

const (
	headerSize = 8
	maxRecord  = 16 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type op uint8

const (
	opAppend op = iota + 1
	opRemove
	opAttempt
)

type record struct {
	Op      op             `cbor:"o"`
	ID      string         `cbor:"i"`
	Item    *backsync.Item `cbor:"t,omitempty"`
	Attempt int            `cbor:"a,omitempty"`
}

// Options configures a Log.
type Options struct {
	// NoSync skips fsync after each write. Faster, but a power loss may drop
	// the most recent records.
	NoSync bool

	// CompactAfter is the number of dead records that, once they also
	// outnumber live items, triggers a rewrite. Default: 1024
	CompactAfter int
}

type entry struct {
	seq  uint64
	item backsync.Item
}

// Log is a file-backed backsync.Store.
type Log struct {
	path string
	opts Options
	enc  cbor.EncMode
	dec  cbor.DecMode

	mu     sync.Mutex
	f      *os.File
	size   int64
	items  map[string]*entry
	seq    uint64
	dead   int
	closed bool
}

// Open opens or creates the log at path and loads its items.
func Open(path string, opts Options) (*Log, error) {
	if opts.CompactAfter <= 0 {
		opts.CompactAfter = 1024
	}
	eo := cbor.PreferredUnsortedEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	enc, err := eo.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return nil, err
	}

	l := &Log{
		path:  filepath.Clean(path),
		opts:  opts,
		enc:   enc,
		dec:   dec,
		items: make(map[string]*entry),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("filelog: open: %w", err)
	}

	good, err := l.replay(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("filelog: stat: %w", err)
	}
	if info.Size() > good {
		if err := f.Truncate(good); err != nil {
			_ = f.Close()
			return fmt.Errorf("filelog: truncate torn tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("filelog: sync: %w", err)
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("filelog: seek: %w", err)
	}

	l.f = f
	l.size = good
	return nil
}

// replay applies records from r and returns the offset after the last
// intact record.
func (l *Log) replay(r io.Reader) (int64, error) {
	var (
		offset int64
		header [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, fmt.Errorf("filelog: read: %w", err)
		}
		n := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])
		if n == 0 || n > maxRecord {
			return offset, nil
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, fmt.Errorf("filelog: read: %w", err)
		}
		if crc32.Checksum(body, castagnoli) != sum {
			return offset, nil
		}

		var rec record
		if err := l.dec.Unmarshal(body, &rec); err != nil {
			return offset, nil
		}
		l.apply(rec)
		offset += headerSize + int64(n)
	}
}

func (l *Log) apply(rec record) {
	switch rec.Op {
	case opAppend:
		if rec.Item == nil {
			return
		}
		if _, ok := l.items[rec.ID]; ok {
			l.dead++
			return
		}
		l.seq++
		l.items[rec.ID] = &entry{seq: l.seq, item: *rec.Item}
	case opRemove:
		if _, ok := l.items[rec.ID]; ok {
			delete(l.items, rec.ID)
			l.dead += 2
		}
	case opAttempt:
		if e, ok := l.items[rec.ID]; ok {
			e.item.Attempt = rec.Attempt
		}
		l.dead++
	}
}

func (l *Log) Append(ctx context.Context, item backsync.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return backsync.ErrClosed
	}
	if _, ok := l.items[item.ID]; ok {
		return backsync.ErrDuplicate
	}

	item = item.Clone()
	rec := record{Op: opAppend, ID: item.ID, Item: &item}
	if err := l.writeLocked(rec); err != nil {
		return err
	}
	l.apply(rec)
	return nil
}

func (l *Log) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return backsync.ErrClosed
	}
	if _, ok := l.items[id]; !ok {
		return backsync.ErrNotFound
	}

	rec := record{Op: opRemove, ID: id}
	if err := l.writeLocked(rec); err != nil {
		return err
	}
	l.apply(rec)
	return l.maybeCompactLocked()
}

// SetAttempt implements backsync.AttemptRecorder.
func (l *Log) SetAttempt(ctx context.Context, id string, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return backsync.ErrClosed
	}
	if _, ok := l.items[id]; !ok {
		return backsync.ErrNotFound
	}

	rec := record{Op: opAttempt, ID: id, Attempt: attempt}
	if err := l.writeLocked(rec); err != nil {
		return err
	}
	l.apply(rec)
	return l.maybeCompactLocked()
}

func (l *Log) ListPending(ctx context.Context) ([]backsync.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, backsync.ErrClosed
	}

	entries := l.sortedLocked()
	out := make([]backsync.Item, len(entries))
	for i, e := range entries {
		out[i] = e.item.Clone()
	}
	return out, nil
}

// Compact rewrites the file with only the live items.
func (l *Log) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return backsync.ErrClosed
	}
	return l.compactLocked()
}

// Stats returns the number of live items and dead records.
func (l *Log) Stats() (live, dead int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items), l.dead
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

func (l *Log) sortedLocked() []*entry {
	entries := make([]*entry, 0, len(l.items))
	for _, e := range l.items {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return entries
}

func (l *Log) frame(rec record) ([]byte, error) {
	body, err := l.enc.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("filelog: encode: %w", err)
	}
	if len(body) > maxRecord {
		return nil, fmt.Errorf("filelog: record of %d bytes exceeds limit", len(body))
	}
	buf := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(body, castagnoli))
	copy(buf[headerSize:], body)
	return buf, nil
}

func (l *Log) writeLocked(rec record) error {
	buf, err := l.frame(rec)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(buf); err != nil {
		// Drop a partial frame so the next record starts on a boundary.
		_ = l.f.Truncate(l.size)
		_, _ = l.f.Seek(l.size, io.SeekStart)
		return fmt.Errorf("filelog: write: %w", err)
	}
	if !l.opts.NoSync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("filelog: sync: %w", err)
		}
	}
	l.size += int64(len(buf))
	return nil
}

func (l *Log) maybeCompactLocked() error {
	if l.dead < l.opts.CompactAfter || l.dead <= len(l.items) {
		return nil
	}
	return l.compactLocked()
}

func (l *Log) compactLocked() error {
	tmpPath := l.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("filelog: compact: %w", err)
	}

	var size int64
	w := bufio.NewWriter(tmp)
	for _, e := range l.sortedLocked() {
		item := e.item
		buf, err := l.frame(record{Op: opAppend, ID: item.ID, Item: &item})
		if err == nil {
			_, err = w.Write(buf)
		}
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("filelog: compact: %w", err)
		}
		size += int64(len(buf))
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("filelog: compact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("filelog: compact: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("filelog: compact: %w", err)
	}
	syncDir(filepath.Dir(l.path))

	_ = l.f.Close()
	if _, err := tmp.Seek(size, io.SeekStart); err != nil {
		return fmt.Errorf("filelog: compact: %w", err)
	}
	l.f = tmp
	l.size = size
	l.dead = 0
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

var (
	_ backsync.Store           = (*Log)(nil)
	_ backsync.AttemptRecorder = (*Log)(nil)
)
