package drivefs

import (
	"fmt"
	"sync"
	"time"

	"github.com/404wolf/drivefs/common"
)

// RootInode is the inode number of the mount root.
const RootInode uint64 = 1

// InodeEntry is one filesystem object known to the mount.
type InodeEntry struct {
	Ino        uint64
	Parent     uint64
	Name       string
	RemoteID   string
	Kind       Kind
	Size       uint64
	ModTime    time.Time
	CreateTime time.Time
	Hash       string

	// Stale is set when the object vanished from its parent's listing.
	Stale bool
}

func (e InodeEntry) IsDir() bool {
	return e.Kind == KindDirectory
}

// InodeTable maps inode numbers to remote identities. Numbers are handed
// out monotonically and never reused; entries are never removed.
type InodeTable struct {
	mu       sync.RWMutex
	entries  []InodeEntry // entries[ino-1]
	byRemote map[string]uint64
}

// NewInodeTable creates a table holding only the root directory.
func NewInodeTable() *InodeTable {
	now := time.Now()
	return &InodeTable{
		entries: []InodeEntry{{
			Ino:        RootInode,
			Name:       "/",
			RemoteID:   RootRemoteID,
			Kind:       KindDirectory,
			ModTime:    now,
			CreateTime: now,
		}},
		byRemote: map[string]uint64{RootRemoteID: RootInode},
	}
}

// Intern returns the inode number of file.ID, allocating one if the remote
// object was never seen. Known entries take the listing's attributes,
// parent and name, and lose their stale mark. changed reports whether a
// known entry's modification time or hash moved.
func (t *InodeTable) Intern(parent uint64, file RemoteFile) (ino uint64, changed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.validLocked(parent) {
		return 0, false, fmt.Errorf("parent inode %d: %w", parent, common.ErrNotFound)
	}

	if ino, ok := t.byRemote[file.ID]; ok {
		entry := &t.entries[ino-1]
		changed = !entry.ModTime.Equal(file.ModTime) || entry.Hash != file.Hash
		if ino != RootInode {
			entry.Parent = parent
			entry.Name = file.Name
		}
		entry.Kind = file.Kind
		entry.Size = file.Size
		entry.ModTime = file.ModTime
		entry.CreateTime = file.CreateTime
		entry.Hash = file.Hash
		entry.Stale = false
		return ino, changed, nil
	}

	ino = uint64(len(t.entries)) + 1
	t.entries = append(t.entries, InodeEntry{
		Ino:        ino,
		Parent:     parent,
		Name:       file.Name,
		RemoteID:   file.ID,
		Kind:       file.Kind,
		Size:       file.Size,
		ModTime:    file.ModTime,
		CreateTime: file.CreateTime,
		Hash:       file.Hash,
	})
	t.byRemote[file.ID] = ino
	return ino, false, nil
}

// Get returns a copy of the entry for ino.
func (t *InodeTable) Get(ino uint64) (InodeEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.validLocked(ino) {
		return InodeEntry{}, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
	}
	return t.entries[ino-1], nil
}

// SetParent moves ino under parent with the given name.
func (t *InodeTable) SetParent(ino, parent uint64, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino == RootInode {
		return fmt.Errorf("the root has no parent: %w", common.ErrUnsupported)
	}
	if !t.validLocked(ino) {
		return fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
	}
	if !t.validLocked(parent) {
		return fmt.Errorf("parent inode %d: %w", parent, common.ErrNotFound)
	}
	entry := &t.entries[ino-1]
	entry.Parent = parent
	entry.Name = name
	return nil
}

// InodeOf returns the inode number assigned to remoteID, if any.
func (t *InodeTable) InodeOf(remoteID string) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ino, ok := t.byRemote[remoteID]
	return ino, ok
}

// MarkStale flags ino as gone from its parent's listing when the entry is
// still attributed to parent. Entries that moved elsewhere are left alone.
func (t *InodeTable) MarkStale(ino, parent uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino == RootInode || !t.validLocked(ino) {
		return false
	}
	entry := &t.entries[ino-1]
	if entry.Parent != parent {
		return false
	}
	entry.Stale = true
	return true
}

// SetSize overrides the size of ino. The root uses it to report drive usage.
func (t *InodeTable) SetSize(ino, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.validLocked(ino) {
		return fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
	}
	t.entries[ino-1].Size = size
	return nil
}

// Len returns the number of allocated inodes, the root included.
func (t *InodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *InodeTable) validLocked(ino uint64) bool {
	return ino >= RootInode && ino <= uint64(len(t.entries))
}
