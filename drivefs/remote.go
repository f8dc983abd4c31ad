package drivefs

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// RootRemoteID is the remote identifier of the drive root folder.
const RootRemoteID = "root"

// RemoteFile is one object as reported by the remote metadata service.
type RemoteFile struct {
	ID         string
	Name       string
	Kind       Kind
	Size       uint64
	ModTime    time.Time
	CreateTime time.Time
	Hash       string
}

// Page is one page of a paginated folder listing. An empty NextCursor
// ends the listing.
type Page struct {
	Files      []RemoteFile
	NextCursor string
}

// Locator is a time-limited download reference for one remote file.
// A zero Expires never expires.
type Locator struct {
	URL     string
	Expires time.Time
}

// Expired reports whether the locator must be reacquired at now. A small
// margin keeps a request from racing the expiry.
func (l Locator) Expired(now time.Time) bool {
	if l.URL == "" {
		return true
	}
	if l.Expires.IsZero() {
		return false
	}
	return !now.Add(locatorExpiryMargin).Before(l.Expires)
}

const locatorExpiryMargin = 30 * time.Second

// ErrLocatorExpired is returned by FetchRange when the remote rejects an
// outdated locator. The read path reacquires the locator and retries.
var ErrLocatorExpired = errors.New("download locator expired")

// MetadataClient lists folders on the remote drive.
type MetadataClient interface {
	ListChildren(ctx context.Context, folderID string, cursor string) (Page, error)
}

// ContentClient downloads file content in byte ranges.
type ContentClient interface {
	DownloadLocator(ctx context.Context, fileID string) (Locator, error)
	FetchRange(ctx context.Context, locator Locator, offset uint64, length int) ([]byte, error)
}

// QuotaClient reports drive usage. It is optional; without it the root
// reports size 0 and statfs reports an empty filesystem.
type QuotaClient interface {
	Quota(ctx context.Context) (used uint64, total uint64, err error)
}
