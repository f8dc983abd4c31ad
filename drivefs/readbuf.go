package drivefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/404wolf/drivefs/common"
	"github.com/404wolf/drivefs/metrics"
)

// HandleState is the read-ahead state of an open handle.
type HandleState int

const (
	StateIdle HandleState = iota
	StateFetching
	StateReady
	StateFailed
	StateClosed
)

func (s HandleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("HandleState(%d)", int(s))
}

// openFile is the state behind one kernel file handle. Everything below mu
// is guarded by it. A window slice is never written after it is installed,
// so reads may hand out subslices of it.
type openFile struct {
	fh       uint64
	ino      uint64
	remoteID string
	size     uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu          sync.Mutex
	state       HandleState
	locator     Locator
	windowStart uint64
	window      []byte
}

func (f *openFile) windowEnd() uint64 {
	return f.windowStart + uint64(len(f.window))
}

func (f *openFile) discardLocked() {
	f.window = nil
	f.windowStart = 0
	f.state = StateClosed
}

// ReadBufferOptions configures a ReadBufferManager. Zero values select defaults.
type ReadBufferOptions struct {
	// Bytes fetched ahead of a read that misses the window
	BufferSize int

	Retry   common.RetryPolicy
	Clock   timeutil.Clock
	Metrics *metrics.Metrics
}

// ReadBufferManager serves byte range reads of open files from a single
// read-ahead window per handle, replacing the window whenever a read
// falls outside it.
type ReadBufferManager struct {
	table      *InodeTable
	content    ContentClient
	bufferSize int
	retry      common.RetryPolicy
	clock      timeutil.Clock
	metrics    *metrics.Metrics

	handles cmap.ConcurrentMap[uint64, *openFile]
	lastFh  atomic.Uint64
}

// NewReadBufferManager creates a manager with no open handles.
func NewReadBufferManager(table *InodeTable, content ContentClient, options ReadBufferOptions) *ReadBufferManager {
	if options.BufferSize <= 0 {
		options.BufferSize = common.DefaultReadBufferSize
	}
	if options.Clock == nil {
		options.Clock = timeutil.RealClock()
	}
	return &ReadBufferManager{
		table:      table,
		content:    content,
		bufferSize: options.BufferSize,
		retry:      options.Retry,
		clock:      options.Clock,
		metrics:    options.Metrics,
		handles:    cmap.NewWithCustomShardingFunction[uint64, *openFile](shardInode),
	}
}

// Open creates a handle for the file ino and resolves its download
// locator. No content is fetched.
func (m *ReadBufferManager) Open(ctx context.Context, ino uint64) (uint64, error) {
	entry, err := m.table.Get(ino)
	if err != nil {
		return 0, err
	}
	if entry.Stale {
		return 0, fmt.Errorf("inode %d: %w: %w", ino, common.ErrStale, common.ErrNotFound)
	}
	if entry.IsDir() {
		return 0, fmt.Errorf("inode %d: %w", ino, common.ErrIsDirectory)
	}

	var locator Locator
	err = common.Retry(ctx, m.retry, "locate "+entry.RemoteID, func(ctx context.Context) error {
		var err error
		m.metrics.LocatorRequest()
		locator, err = m.content.DownloadLocator(ctx, entry.RemoteID)
		return err
	}, func(int, error) { m.metrics.Retry("locate") })
	if err != nil {
		return 0, err
	}

	handleCtx, cancel := context.WithCancel(context.Background())
	file := &openFile{
		fh:       m.lastFh.Add(1),
		ino:      ino,
		remoteID: entry.RemoteID,
		size:     entry.Size,
		ctx:      handleCtx,
		cancel:   cancel,
		state:    StateIdle,
		locator:  locator,
	}
	m.handles.Set(file.fh, file)
	m.metrics.HandleOpened()

	common.Logger.Debugw("opened file", "inode", ino, "fh", file.fh, "name", entry.Name, "size", entry.Size)
	return file.fh, nil
}

// Read returns exactly the bytes [offset, offset+length) of the file,
// clamped to its size, or fails. Reads at or past the end return no bytes.
func (m *ReadBufferManager) Read(fh uint64, offset uint64, length int) ([]byte, error) {
	file, ok := m.handles.Get(fh)
	if !ok {
		return nil, fmt.Errorf("fh %d: %w", fh, common.ErrBadHandle)
	}

	file.mu.Lock()
	defer file.mu.Unlock()

	if file.closed.Load() {
		file.discardLocked()
		return nil, fmt.Errorf("fh %d: %w", fh, common.ErrBadHandle)
	}
	if offset >= file.size || length <= 0 {
		return []byte{}, nil
	}
	end := offset + uint64(length)
	if end > file.size {
		end = file.size
	}
	want := int(end - offset)

	inWindow := file.state == StateReady &&
		offset >= file.windowStart && offset < file.windowEnd()

	if inWindow && end <= file.windowEnd() {
		m.metrics.BufferRead("hit")
		start := offset - file.windowStart
		return file.window[start : start+uint64(want)], nil
	}

	if inWindow {
		m.metrics.BufferRead("partial")
		prefix := file.window[offset-file.windowStart:]
		out := make([]byte, 0, want)
		out = append(out, prefix...)

		rest, err := m.fill(file, file.windowEnd(), want-len(prefix))
		if err != nil {
			return nil, err
		}
		return append(out, rest...), nil
	}

	m.metrics.BufferRead("miss")
	return m.fill(file, offset, want)
}

// fill replaces the window with at least need bytes starting at start and
// returns those need bytes.
func (m *ReadBufferManager) fill(file *openFile, start uint64, need int) ([]byte, error) {
	size := need
	if size < m.bufferSize {
		size = m.bufferSize
	}
	if remaining := file.size - start; uint64(size) > remaining {
		size = int(remaining)
	}

	file.state = StateFetching
	data, err := m.fetch(file, start, size)

	if file.closed.Load() {
		file.discardLocked()
		return nil, fmt.Errorf("fh %d released during fetch: %w", file.fh, context.Canceled)
	}
	if err != nil {
		file.window = nil
		file.windowStart = 0
		file.state = StateFailed
		common.Logger.Errorw("reading file failed", "inode", file.ino, "fh", file.fh, "offset", start, "error", err)
		return nil, err
	}

	file.window = data
	file.windowStart = start
	file.state = StateReady
	return data[:need], nil
}

// fetch downloads length bytes at offset, reacquiring the locator when it
// expired or the remote rejected it.
func (m *ReadBufferManager) fetch(file *openFile, offset uint64, length int) ([]byte, error) {
	var data []byte
	op := fmt.Sprintf("fetch %s@%d", file.remoteID, offset)
	err := common.Retry(file.ctx, m.retry, op, func(ctx context.Context) error {
		if file.locator.Expired(m.clock.Now()) {
			m.metrics.LocatorRequest()
			locator, err := m.content.DownloadLocator(ctx, file.remoteID)
			if err != nil {
				return err
			}
			file.locator = locator
		}

		started := time.Now()
		got, err := m.content.FetchRange(ctx, file.locator, offset, length)
		if errors.Is(err, ErrLocatorExpired) {
			file.locator = Locator{}
			return err
		}
		if err != nil {
			return err
		}
		m.metrics.RangeFetch(len(got), time.Since(started))
		if len(got) < length {
			return fmt.Errorf("got %d of %d bytes: %w", len(got), length, io.ErrUnexpectedEOF)
		}
		data = got[:length]
		return nil
	}, func(int, error) { m.metrics.Retry("fetch") })
	return data, err
}

// Release drops the handle and cancels any fetch in flight. It does not
// wait for the handle lock, so a read blocked on the remote is interrupted.
// Releasing an unknown handle does nothing.
func (m *ReadBufferManager) Release(fh uint64) {
	file, ok := m.handles.Pop(fh)
	if !ok {
		return
	}
	file.closed.Store(true)
	file.cancel()
	if file.mu.TryLock() {
		file.discardLocked()
		file.mu.Unlock()
	}
	m.metrics.HandleReleased()
	common.Logger.Debugw("released file", "inode", file.ino, "fh", fh)
}

// State reports the state of fh. Released handles report StateClosed.
func (m *ReadBufferManager) State(fh uint64) HandleState {
	file, ok := m.handles.Get(fh)
	if !ok {
		return StateClosed
	}
	file.mu.Lock()
	defer file.mu.Unlock()
	return file.state
}

// Len returns the number of open handles.
func (m *ReadBufferManager) Len() int {
	return m.handles.Count()
}
