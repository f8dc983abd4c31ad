// Package drivefs presents a remote drive as a read-only FUSE filesystem.
//
// The inode table assigns stable numbers to remote objects, the directory
// cache keeps whole folder listings for a bounded time, and every open
// file reads through a single read-ahead window.
package drivefs

import (
	"os"

	"github.com/404wolf/drivefs/common"
	"github.com/404wolf/drivefs/metrics"
)

// Remote bundles the clients the filesystem talks to. Quota may be nil.
type Remote struct {
	Metadata MetadataClient
	Content  ContentClient
	Quota    QuotaClient
}

// New assembles the filesystem core from config.
func New(config *common.DriveFSConfig, remote Remote, m *metrics.Metrics) *Dispatcher {
	table := NewInodeTable()
	dirs := NewDirectoryCache(table, remote.Metadata, DirectoryCacheOptions{
		TTL:     config.ListingTTL,
		Retry:   config.Retry,
		Metrics: m,
	})
	resolver := NewResolver(table, dirs, Owner{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	})
	buffers := NewReadBufferManager(table, remote.Content, ReadBufferOptions{
		BufferSize: int(config.ReadBufferSize),
		Retry:      config.Retry,
		Metrics:    m,
	})
	return NewDispatcher(table, resolver, buffers, DispatcherOptions{
		EntryTimeout: config.EntryTimeout,
		AttrTimeout:  config.AttrTimeout,
		Quota:        remote.Quota,
	})
}
