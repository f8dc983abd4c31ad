package drivefs

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/404wolf/drivefs/common"
)

const (
	statfsBlockSize = 4096
	maxNameLength   = 255

	// W_OK of access(2)
	accessWrite = 0x2
)

var erofs = fuse.Status(syscall.EROFS)

type DispatcherOptions struct {
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	// Optional; reports drive usage for the root size and statfs
	Quota QuotaClient
}

// Dispatcher implements the raw FUSE protocol on top of the resolver and
// the read buffer manager. It only routes requests and translates errors.
// Every call that would modify the filesystem fails with EROFS.
type Dispatcher struct {
	fuse.RawFileSystem

	table    *InodeTable
	resolver *Resolver
	buffers  *ReadBufferManager
	quota    QuotaClient

	entryTimeout time.Duration
	attrTimeout  time.Duration

	usedBytes  atomic.Uint64
	totalBytes atomic.Uint64
}

func NewDispatcher(table *InodeTable, resolver *Resolver, buffers *ReadBufferManager, options DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		table:         table,
		resolver:      resolver,
		buffers:       buffers,
		quota:         options.Quota,
		entryTimeout:  options.EntryTimeout,
		attrTimeout:   options.AttrTimeout,
	}
}

func (d *Dispatcher) String() string {
	return "drivefs"
}

// LoadQuota asks the quota client for drive usage. The root directory
// reports the used bytes as its size.
func (d *Dispatcher) LoadQuota(ctx context.Context) error {
	if d.quota == nil {
		return nil
	}
	used, total, err := d.quota.Quota(ctx)
	if err != nil {
		return err
	}
	d.usedBytes.Store(used)
	d.totalBytes.Store(total)
	if err := d.table.SetSize(RootInode, used); err != nil {
		return err
	}
	common.Logger.Infow("loaded drive quota", "used", used, "total", total)
	return nil
}

func toStatus(op string, err error) fuse.Status {
	errno := common.Errno(err)
	if errno == syscall.EIO {
		common.Logger.Errorw("filesystem operation failed", "op", op, "error", err)
	} else {
		common.Logger.Debugw("filesystem operation failed", "op", op, "errno", errno, "error", err)
	}
	return fuse.Status(errno)
}

func (d *Dispatcher) fillEntry(entry InodeEntry, out *fuse.EntryOut) {
	out.NodeId = entry.Ino
	out.Generation = 1
	out.Attr = d.resolver.Attr(entry)
	out.SetEntryTimeout(d.entryTimeout)
	out.SetAttrTimeout(d.attrTimeout)
}

func (d *Dispatcher) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	common.Logger.Debugw("lookup", "parent", header.NodeId, "name", name)
	entry, err := d.resolver.Lookup(context.Background(), header.NodeId, name)
	if err != nil {
		return toStatus("lookup", err)
	}
	d.fillEntry(entry, out)
	return fuse.OK
}

func (d *Dispatcher) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	entry, err := d.resolver.GetAttr(input.NodeId)
	if err != nil {
		return toStatus("getattr", err)
	}
	out.Attr = d.resolver.Attr(entry)
	out.SetTimeout(d.attrTimeout)
	return fuse.OK
}

func (d *Dispatcher) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	entry, err := d.resolver.GetAttr(input.NodeId)
	if err != nil {
		return toStatus("opendir", err)
	}
	if !entry.IsDir() {
		return fuse.Status(syscall.ENOTDIR)
	}
	return fuse.OK
}

// dirEntries returns ".", ".." and the children of ino, in readdir order.
func (d *Dispatcher) dirEntries(ino uint64) ([]InodeEntry, []fuse.DirEntry, error) {
	dir, err := d.resolver.GetAttr(ino)
	if err != nil {
		return nil, nil, err
	}
	children, err := d.resolver.Children(context.Background(), ino)
	if err != nil {
		return nil, nil, err
	}

	parent := dir.Parent
	if ino == RootInode {
		parent = RootInode
	}
	entries := make([]fuse.DirEntry, 0, len(children)+2)
	entries = append(entries,
		fuse.DirEntry{Mode: fuse.S_IFDIR, Name: ".", Ino: ino},
		fuse.DirEntry{Mode: fuse.S_IFDIR, Name: "..", Ino: parent},
	)
	for _, child := range children {
		mode := uint32(fuse.S_IFREG)
		if child.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Mode: mode, Name: child.Name, Ino: child.Ino})
	}
	return children, entries, nil
}

// ReadDir treats the offset as an index into the current listing, with
// "." and ".." in front.
func (d *Dispatcher) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	common.Logger.Debugw("readdir", "inode", input.NodeId, "offset", input.Offset)
	_, entries, err := d.dirEntries(input.NodeId)
	if err != nil {
		return toStatus("readdir", err)
	}
	for i := input.Offset; i < uint64(len(entries)); i++ {
		if !out.AddDirEntry(entries[i]) {
			break
		}
	}
	return fuse.OK
}

func (d *Dispatcher) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	common.Logger.Debugw("readdirplus", "inode", input.NodeId, "offset", input.Offset)
	children, entries, err := d.dirEntries(input.NodeId)
	if err != nil {
		return toStatus("readdirplus", err)
	}
	for i := input.Offset; i < uint64(len(entries)); i++ {
		entryOut := out.AddDirLookupEntry(entries[i])
		if entryOut == nil {
			break
		}
		// The kernel resolves "." and ".." itself.
		if i >= 2 {
			d.fillEntry(children[i-2], entryOut)
		}
	}
	return fuse.OK
}

func (d *Dispatcher) ReleaseDir(input *fuse.ReleaseIn) {}

func (d *Dispatcher) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	if input.Flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return erofs
	}
	fh, err := d.buffers.Open(context.Background(), input.NodeId)
	if err != nil {
		return toStatus("open", err)
	}
	out.Fh = fh
	return fuse.OK
}

func (d *Dispatcher) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	data, err := d.buffers.Read(input.Fh, input.Offset, int(input.Size))
	if err != nil {
		return nil, toStatus("read", err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (d *Dispatcher) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	d.buffers.Release(input.Fh)
}

func (d *Dispatcher) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	total := d.totalBytes.Load()
	used := d.usedBytes.Load()
	free := uint64(0)
	if total > used {
		free = total - used
	}
	out.Bsize = statfsBlockSize
	out.Frsize = statfsBlockSize
	out.Blocks = total / statfsBlockSize
	out.Bfree = free / statfsBlockSize
	out.Bavail = free / statfsBlockSize
	out.Files = uint64(d.table.Len())
	out.NameLen = maxNameLength
	return fuse.OK
}

func (d *Dispatcher) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	if input.Mask&accessWrite != 0 {
		return erofs
	}
	if _, err := d.resolver.GetAttr(input.NodeId); err != nil {
		return toStatus("access", err)
	}
	return fuse.OK
}

// Write-class operations.

func (d *Dispatcher) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	return erofs
}

func (d *Dispatcher) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	return erofs
}

func (d *Dispatcher) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	return erofs
}

func (d *Dispatcher) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return erofs
}

func (d *Dispatcher) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return erofs
}

func (d *Dispatcher) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	return erofs
}

func (d *Dispatcher) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	return erofs
}

func (d *Dispatcher) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	return erofs
}

func (d *Dispatcher) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	return erofs
}

func (d *Dispatcher) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	return 0, erofs
}

func (d *Dispatcher) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	return erofs
}

func (d *Dispatcher) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	return erofs
}

func (d *Dispatcher) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	return erofs
}

func (d *Dispatcher) CopyFileRange(cancel <-chan struct{}, input *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	return 0, erofs
}
