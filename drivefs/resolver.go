package drivefs

import (
	"context"
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/404wolf/drivefs/common"
)

const (
	DirectoryMode = 0555
	FileMode      = 0444

	// Preferred I/O size reported to the kernel
	blockSize = 4 * 1024 * 1024
)

// Owner is reported as the uid and gid of every inode.
type Owner struct {
	Uid uint32
	Gid uint32
}

// Resolver answers name and attribute questions from the inode table,
// consulting the directory cache when a listing is needed.
type Resolver struct {
	table *InodeTable
	dirs  *DirectoryCache
	owner Owner
}

func NewResolver(table *InodeTable, dirs *DirectoryCache, owner Owner) *Resolver {
	return &Resolver{table: table, dirs: dirs, owner: owner}
}

// Lookup finds the child of parent called name. Names match byte for byte.
func (r *Resolver) Lookup(ctx context.Context, parent uint64, name string) (InodeEntry, error) {
	children, err := r.dirs.List(ctx, parent)
	if err != nil {
		return InodeEntry{}, err
	}
	for _, child := range children {
		if child.Name == name {
			return child, nil
		}
	}
	return InodeEntry{}, fmt.Errorf("%q in inode %d: %w", name, parent, common.ErrNotFound)
}

// GetAttr returns the current entry of ino. Entries that vanished from
// their parent's listing are reported as not found.
func (r *Resolver) GetAttr(ino uint64) (InodeEntry, error) {
	entry, err := r.table.Get(ino)
	if err != nil {
		return InodeEntry{}, err
	}
	if entry.Stale {
		return InodeEntry{}, fmt.Errorf("inode %d: %w: %w", ino, common.ErrStale, common.ErrNotFound)
	}
	return entry, nil
}

// Children lists the directory ino.
func (r *Resolver) Children(ctx context.Context, ino uint64) ([]InodeEntry, error) {
	return r.dirs.List(ctx, ino)
}

// Attr builds the kernel attributes of entry.
func (r *Resolver) Attr(entry InodeEntry) fuse.Attr {
	attr := fuse.Attr{
		Ino:     entry.Ino,
		Size:    entry.Size,
		Blocks:  (entry.Size + 511) / 512,
		Blksize: blockSize,
		Owner:   fuse.Owner{Uid: r.owner.Uid, Gid: r.owner.Gid},
	}
	if entry.IsDir() {
		attr.Mode = fuse.S_IFDIR | DirectoryMode
		attr.Nlink = 2
	} else {
		attr.Mode = fuse.S_IFREG | FileMode
		attr.Nlink = 1
	}

	modified := entry.ModTime
	changed := entry.ModTime
	if modified.IsZero() {
		modified = entry.CreateTime
		changed = entry.CreateTime
	}
	attr.SetTimes(&modified, &modified, &changed)
	return attr
}
