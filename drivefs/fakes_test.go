package drivefs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/404wolf/drivefs/common"
)

var errFlaky = errors.New("connection reset by peer")

// testRetry retries without sleeping.
var testRetry = common.RetryPolicy{MaxAttempts: 3}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newClock() *timeutil.SimulatedClock {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(epoch)
	return clock
}

func dir(id, name string) RemoteFile {
	return RemoteFile{ID: id, Name: name, Kind: KindDirectory, ModTime: epoch, CreateTime: epoch}
}

func file(id, name string, size uint64) RemoteFile {
	return RemoteFile{ID: id, Name: name, Kind: KindFile, Size: size, ModTime: epoch, CreateTime: epoch, Hash: "h-" + id}
}

type fetchCall struct {
	offset uint64
	length int
}

// fakeDrive is an in-memory remote that counts every call.
type fakeDrive struct {
	mu sync.Mutex

	folders  map[string][]RemoteFile
	pageSize int
	content  map[string][]byte
	clock    timeutil.Clock

	listCalls     map[string]int
	listFailures  int
	locatorCalls  int
	fetches       []fetchCall
	fetchFailures int
	expireNext    int
	shortNext     int

	// When set, FetchRange announces itself on fetchStarted and blocks
	// until ctx is done.
	blockFetch   bool
	fetchStarted chan struct{}

	used, total uint64
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		folders:      map[string][]RemoteFile{},
		content:      map[string][]byte{},
		listCalls:    map[string]int{},
		fetchStarted: make(chan struct{}, 1),
		clock:        timeutil.RealClock(),
	}
}

func (f *fakeDrive) setFolder(id string, children ...RemoteFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[id] = children
}

func (f *fakeDrive) addFile(parent string, remote RemoteFile, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remote.Size = uint64(len(data))
	f.folders[parent] = append(f.folders[parent], remote)
	f.content[remote.ID] = data
}

func (f *fakeDrive) lists(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[id]
}

func (f *fakeDrive) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.fetches...)
}

func (f *fakeDrive) locators() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locatorCalls
}

func (f *fakeDrive) ListChildren(ctx context.Context, folderID string, cursor string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls[folderID]++
	if f.listFailures > 0 {
		f.listFailures--
		return Page{}, errFlaky
	}
	children, ok := f.folders[folderID]
	if !ok {
		return Page{}, common.ErrNotFound
	}

	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := len(children)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}
	page := Page{Files: append([]RemoteFile(nil), children[start:end]...)}
	if end < len(children) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeDrive) DownloadLocator(ctx context.Context, fileID string) (Locator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.locatorCalls++
	if _, ok := f.content[fileID]; !ok {
		return Locator{}, common.ErrNotFound
	}
	return Locator{
		URL:     "https://download.example/" + fileID + "?v=" + strconv.Itoa(f.locatorCalls),
		Expires: f.clock.Now().Add(15 * time.Minute),
	}, nil
}

func (f *fakeDrive) FetchRange(ctx context.Context, locator Locator, offset uint64, length int) ([]byte, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, fetchCall{offset: offset, length: length})
	if f.blockFetch {
		f.mu.Unlock()
		f.fetchStarted <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer f.mu.Unlock()

	if f.fetchFailures > 0 {
		f.fetchFailures--
		return nil, errFlaky
	}
	if f.expireNext > 0 {
		f.expireNext--
		return nil, ErrLocatorExpired
	}

	id := locator.URL[len("https://download.example/"):]
	for i := range id {
		if id[i] == '?' {
			id = id[:i]
			break
		}
	}
	data := f.content[id]
	if offset >= uint64(len(data)) {
		return []byte{}, nil
	}
	end := offset + uint64(length)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	if f.shortNext > 0 {
		f.shortNext--
		end = offset + (end-offset)/2
	}
	return append([]byte(nil), data[offset:end]...), nil
}

func (f *fakeDrive) Quota(ctx context.Context) (uint64, uint64, error) {
	return f.used, f.total, nil
}

// pattern returns n bytes whose value depends on their position.
func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}
