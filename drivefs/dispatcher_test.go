package drivefs

import (
	"context"
	"encoding/binary"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, remote *fakeDrive) *Dispatcher {
	d, _ := newTestDispatcherWithCache(t, remote)
	return d
}

func newTestDispatcherWithCache(t *testing.T, remote *fakeDrive) (*Dispatcher, *DirectoryCache) {
	t.Helper()
	table := NewInodeTable()
	cache := NewDirectoryCache(table, remote, DirectoryCacheOptions{TTL: time.Minute, Retry: testRetry, Clock: newClock()})
	resolver := NewResolver(table, cache, Owner{Uid: 1000, Gid: 100})
	buffers := NewReadBufferManager(table, remote, ReadBufferOptions{BufferSize: 64, Retry: testRetry})
	return NewDispatcher(table, resolver, buffers, DispatcherOptions{
		EntryTimeout: time.Second,
		AttrTimeout:  2 * time.Second,
		Quota:        remote,
	}), cache
}

func movieDrive() *fakeDrive {
	remote := newFakeDrive()
	remote.setFolder(RootRemoteID, dir("m", "movies"))
	remote.addFile(RootRemoteID, file("r", "readme.txt", 0), []byte("read me, please"))
	remote.addFile("m", file("b", "big.mkv", 0), pattern(1000))
	return remote
}

func TestDispatcherLookup(t *testing.T) {
	d := newTestDispatcher(t, movieDrive())
	cancel := make(chan struct{})

	var out fuse.EntryOut
	status := d.Lookup(cancel, &fuse.InHeader{NodeId: RootInode}, "movies", &out)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, uint64(2), out.NodeId)
	assert.Equal(t, uint32(fuse.S_IFDIR|DirectoryMode), out.Attr.Mode)
	assert.Equal(t, uint64(1), out.EntryValid)
	assert.Equal(t, uint64(2), out.AttrValid)

	status = d.Lookup(cancel, &fuse.InHeader{NodeId: RootInode}, "missing", &out)
	assert.Equal(t, fuse.ENOENT, status)
}

func TestDispatcherGetAttr(t *testing.T) {
	d := newTestDispatcher(t, movieDrive())
	cancel := make(chan struct{})

	var entry fuse.EntryOut
	require.Equal(t, fuse.OK, d.Lookup(cancel, &fuse.InHeader{NodeId: RootInode}, "readme.txt", &entry))

	in := &fuse.GetAttrIn{}
	in.NodeId = entry.NodeId
	var out fuse.AttrOut
	require.Equal(t, fuse.OK, d.GetAttr(cancel, in, &out))
	assert.Equal(t, uint64(15), out.Size)
	assert.Equal(t, uint32(fuse.S_IFREG|FileMode), out.Mode)
	assert.Equal(t, entry.Attr, out.Attr)

	in.NodeId = 404
	assert.Equal(t, fuse.ENOENT, d.GetAttr(cancel, in, &out))
}

func TestDispatcherDirEntries(t *testing.T) {
	d := newTestDispatcher(t, movieDrive())

	_, entries, err := d.dirEntries(RootInode)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, RootInode, entries[0].Ino)
	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, RootInode, entries[1].Ino, "the root is its own parent")
	assert.Equal(t, "movies", entries[2].Name)
	assert.Equal(t, uint32(fuse.S_IFDIR), entries[2].Mode)
	assert.Equal(t, "readme.txt", entries[3].Name)
	assert.Equal(t, uint32(fuse.S_IFREG), entries[3].Mode)

	_, entries, err = d.dirEntries(entries[2].Ino)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, RootInode, entries[1].Ino)
	assert.Equal(t, "big.mkv", entries[2].Name)
}

// Size of the fuse_dirent header: ino, off, namelen, type.
const direntHeaderSize = 24

type parsedDirent struct {
	name   string
	ino    uint64
	off    uint64
	nodeID uint64
}

// parseDirents decodes count entries written into data by a DirEntryList.
// prefix is the size of the EntryOut in front of each readdirplus entry.
func parseDirents(data []byte, count int, prefix int) []parsedDirent {
	var entries []parsedDirent
	pos := 0
	for i := 0; i < count; i++ {
		var entry parsedDirent
		if prefix > 0 {
			entry.nodeID = binary.LittleEndian.Uint64(data[pos:])
			pos += prefix
		}
		entry.ino = binary.LittleEndian.Uint64(data[pos:])
		entry.off = binary.LittleEndian.Uint64(data[pos+8:])
		nameLen := int(binary.LittleEndian.Uint32(data[pos+16:]))
		entry.name = string(data[pos+direntHeaderSize : pos+direntHeaderSize+nameLen])
		pos += direntHeaderSize + nameLen + (8-nameLen%8)%8
		entries = append(entries, entry)
	}
	return entries
}

func letterDrive(names ...string) *fakeDrive {
	remote := newFakeDrive()
	files := make([]RemoteFile, 0, len(names))
	for _, name := range names {
		files = append(files, file("id-"+name, name, 1))
	}
	remote.setFolder(RootRemoteID, files...)
	return remote
}

// readDirFrom runs one ReadDir call into a buffer of size bytes.
func readDirFrom(t *testing.T, d *Dispatcher, offset uint64, size int) []parsedDirent {
	t.Helper()
	data := make([]byte, size)
	out := fuse.NewDirEntryList(data, offset)
	in := &fuse.ReadIn{Offset: offset}
	in.NodeId = RootInode
	require.Equal(t, fuse.OK, d.ReadDir(make(chan struct{}), in, out))
	return parseDirents(data, int(out.Offset-offset), 0)
}

func direntNames(entries []parsedDirent) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.name)
	}
	return out
}

func TestDispatcherReadDirResumes(t *testing.T) {
	d := newTestDispatcher(t, letterDrive("a", "b", "c", "d", "e"))

	// Every one-letter entry takes 32 bytes, so two fit per call.
	var all []parsedDirent
	offset := uint64(0)
	for calls := 0; calls < 10; calls++ {
		entries := readDirFrom(t, d, offset, 64)
		if len(entries) == 0 {
			break
		}
		assert.LessOrEqual(t, len(entries), 2)
		for i, entry := range entries {
			assert.Equal(t, offset+uint64(i)+1, entry.off, "the cursor of %q points past it", entry.name)
		}
		offset += uint64(len(entries))
		all = append(all, entries...)
	}

	assert.Equal(t, []string{".", "..", "a", "b", "c", "d", "e"}, direntNames(all))
	assert.Equal(t, RootInode, all[0].ino)
	assert.Equal(t, RootInode, all[1].ino)
	assert.NotEqual(t, RootInode, all[2].ino)

	assert.Empty(t, readDirFrom(t, d, 100, 64), "offsets past the end return nothing")
}

func TestDispatcherReadDirListingReplaced(t *testing.T) {
	remote := letterDrive("a", "b", "c", "d", "e")
	d, cache := newTestDispatcherWithCache(t, remote)

	first := readDirFrom(t, d, 0, 128)
	require.Equal(t, []string{".", "..", "a", "b"}, direntNames(first))

	remote.setFolder(RootRemoteID, file("id-a", "a", 1), file("id-b", "b", 1), file("id-x", "x", 1))
	cache.Invalidate(RootInode)

	rest := readDirFrom(t, d, 4, 128)
	assert.Equal(t, []string{"x"}, direntNames(rest), "the cursor indexes the current listing")

	remote.setFolder(RootRemoteID, file("id-a", "a", 1))
	cache.Invalidate(RootInode)
	assert.Empty(t, readDirFrom(t, d, 4, 128), "a shrunken listing ends the stream")
}

func TestDispatcherReadDirPlus(t *testing.T) {
	d := newTestDispatcher(t, letterDrive("a", "b"))
	prefix := int(unsafe.Sizeof(fuse.EntryOut{}))

	data := make([]byte, 4*(prefix+32))
	out := fuse.NewDirEntryList(data, 0)
	in := &fuse.ReadIn{}
	in.NodeId = RootInode
	require.Equal(t, fuse.OK, d.ReadDirPlus(make(chan struct{}), in, out))
	require.Equal(t, uint64(4), out.Offset)

	entries := parseDirents(data, 4, prefix)
	assert.Equal(t, []string{".", "..", "a", "b"}, direntNames(entries))
	assert.Zero(t, entries[0].nodeID, "the kernel resolves . itself")
	assert.Zero(t, entries[1].nodeID, "the kernel resolves .. itself")
	assert.Equal(t, entries[2].ino, entries[2].nodeID)
	assert.Equal(t, entries[3].ino, entries[3].nodeID)

	// Resuming from the middle fills only the remaining child.
	data = make([]byte, 4*(prefix+32))
	out = fuse.NewDirEntryList(data, 3)
	in.Offset = 3
	require.Equal(t, fuse.OK, d.ReadDirPlus(make(chan struct{}), in, out))
	entries = parseDirents(data, int(out.Offset-3), prefix)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].name)
	assert.Equal(t, entries[0].ino, entries[0].nodeID)
}

func TestDispatcherOpenDir(t *testing.T) {
	d := newTestDispatcher(t, movieDrive())
	cancel := make(chan struct{})

	var entry fuse.EntryOut
	require.Equal(t, fuse.OK, d.Lookup(cancel, &fuse.InHeader{NodeId: RootInode}, "readme.txt", &entry))

	in := &fuse.OpenIn{}
	in.NodeId = RootInode
	assert.Equal(t, fuse.OK, d.OpenDir(cancel, in, &fuse.OpenOut{}))
	in.NodeId = entry.NodeId
	assert.Equal(t, fuse.Status(syscall.ENOTDIR), d.OpenDir(cancel, in, &fuse.OpenOut{}))
}

func TestDispatcherOpenReadRelease(t *testing.T) {
	remote := movieDrive()
	d := newTestDispatcher(t, remote)
	cancel := make(chan struct{})

	var movies, big fuse.EntryOut
	require.Equal(t, fuse.OK, d.Lookup(cancel, &fuse.InHeader{NodeId: RootInode}, "movies", &movies))
	require.Equal(t, fuse.OK, d.Lookup(cancel, &fuse.InHeader{NodeId: movies.NodeId}, "big.mkv", &big))

	t.Run("Write flags", func(t *testing.T) {
		in := &fuse.OpenIn{Flags: syscall.O_RDWR}
		in.NodeId = big.NodeId
		assert.Equal(t, fuse.Status(syscall.EROFS), d.Open(cancel, in, &fuse.OpenOut{}))
	})

	t.Run("Directory", func(t *testing.T) {
		in := &fuse.OpenIn{Flags: syscall.O_RDONLY}
		in.NodeId = movies.NodeId
		assert.Equal(t, fuse.Status(syscall.EISDIR), d.Open(cancel, in, &fuse.OpenOut{}))
	})

	t.Run("Read", func(t *testing.T) {
		in := &fuse.OpenIn{Flags: syscall.O_RDONLY}
		in.NodeId = big.NodeId
		var opened fuse.OpenOut
		require.Equal(t, fuse.OK, d.Open(cancel, in, &opened))
		require.NotZero(t, opened.Fh)

		read := &fuse.ReadIn{Fh: opened.Fh, Offset: 990, Size: 100}
		read.NodeId = big.NodeId
		result, status := d.Read(cancel, read, make([]byte, 100))
		require.Equal(t, fuse.OK, status)
		data, status := result.Bytes(make([]byte, 100))
		require.Equal(t, fuse.OK, status)
		assert.Equal(t, pattern(1000)[990:], data)

		d.Release(cancel, &fuse.ReleaseIn{Fh: opened.Fh})
		_, status = d.Read(cancel, read, make([]byte, 100))
		assert.Equal(t, fuse.Status(syscall.EBADF), status)
	})
}

func TestDispatcherAccess(t *testing.T) {
	d := newTestDispatcher(t, movieDrive())
	cancel := make(chan struct{})

	in := &fuse.AccessIn{Mask: 0x4}
	in.NodeId = RootInode
	assert.Equal(t, fuse.OK, d.Access(cancel, in))

	in.Mask = 0x4 | accessWrite
	assert.Equal(t, fuse.Status(syscall.EROFS), d.Access(cancel, in))
}

func TestDispatcherStatFs(t *testing.T) {
	remote := movieDrive()
	remote.used = 4096 * 10
	remote.total = 4096 * 100
	d := newTestDispatcher(t, remote)

	require.NoError(t, d.LoadQuota(context.Background()))

	var out fuse.StatfsOut
	require.Equal(t, fuse.OK, d.StatFs(make(chan struct{}), &fuse.InHeader{}, &out))
	assert.Equal(t, uint64(100), out.Blocks)
	assert.Equal(t, uint64(90), out.Bfree)
	assert.Equal(t, uint64(90), out.Bavail)
	assert.Equal(t, uint32(255), out.NameLen)

	in := &fuse.GetAttrIn{}
	in.NodeId = RootInode
	var attr fuse.AttrOut
	require.Equal(t, fuse.OK, d.GetAttr(make(chan struct{}), in, &attr))
	assert.Equal(t, remote.used, attr.Size, "the root reports drive usage")
}

func TestDispatcherRejectsWrites(t *testing.T) {
	d := newTestDispatcher(t, movieDrive())
	cancel := make(chan struct{})
	erofs := fuse.Status(syscall.EROFS)

	assert.Equal(t, erofs, d.SetAttr(cancel, &fuse.SetAttrIn{}, &fuse.AttrOut{}))
	assert.Equal(t, erofs, d.Mknod(cancel, &fuse.MknodIn{}, "x", &fuse.EntryOut{}))
	assert.Equal(t, erofs, d.Mkdir(cancel, &fuse.MkdirIn{}, "x", &fuse.EntryOut{}))
	assert.Equal(t, erofs, d.Unlink(cancel, &fuse.InHeader{}, "x"))
	assert.Equal(t, erofs, d.Rmdir(cancel, &fuse.InHeader{}, "x"))
	assert.Equal(t, erofs, d.Rename(cancel, &fuse.RenameIn{}, "x", "y"))
	assert.Equal(t, erofs, d.Link(cancel, &fuse.LinkIn{}, "x", &fuse.EntryOut{}))
	assert.Equal(t, erofs, d.Symlink(cancel, &fuse.InHeader{}, "x", "y", &fuse.EntryOut{}))
	assert.Equal(t, erofs, d.Create(cancel, &fuse.CreateIn{}, "x", &fuse.CreateOut{}))
	assert.Equal(t, erofs, d.SetXAttr(cancel, &fuse.SetXAttrIn{}, "user.x", nil))
	assert.Equal(t, erofs, d.RemoveXAttr(cancel, &fuse.InHeader{}, "user.x"))
	assert.Equal(t, erofs, d.Fallocate(cancel, &fuse.FallocateIn{}))

	n, status := d.Write(cancel, &fuse.WriteIn{}, []byte("x"))
	assert.Equal(t, erofs, status)
	assert.Zero(t, n)
	n, status = d.CopyFileRange(cancel, &fuse.CopyFileRangeIn{})
	assert.Equal(t, erofs, status)
	assert.Zero(t, n)
}
