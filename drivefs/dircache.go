package drivefs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jacobsa/timeutil"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/subosito/gozaru"
	"golang.org/x/sync/singleflight"

	"github.com/404wolf/drivefs/common"
	"github.com/404wolf/drivefs/metrics"
)

// listing is an immutable snapshot of one directory's children, sorted by
// name. Refreshes replace it wholesale.
type listing struct {
	children []InodeEntry
	fetched  time.Time
	expires  time.Time
}

func (l *listing) valid(now time.Time) bool {
	return now.Before(l.expires)
}

// DirectoryCacheOptions configures a DirectoryCache.
type DirectoryCacheOptions struct {
	// How long a fetched listing is served without asking the remote
	TTL time.Duration

	Retry   common.RetryPolicy
	Clock   timeutil.Clock
	Metrics *metrics.Metrics
}

// DirectoryCache holds whole directory listings fetched from the remote
// metadata service and interns every child into the inode table.
type DirectoryCache struct {
	table   *InodeTable
	client  MetadataClient
	ttl     time.Duration
	retry   common.RetryPolicy
	clock   timeutil.Clock
	metrics *metrics.Metrics

	listings cmap.ConcurrentMap[uint64, *listing]
	inflight singleflight.Group
}

// NewDirectoryCache creates an empty cache that lists folders through client
// and records their children in table.
func NewDirectoryCache(table *InodeTable, client MetadataClient, options DirectoryCacheOptions) *DirectoryCache {
	if options.Clock == nil {
		options.Clock = timeutil.RealClock()
	}
	return &DirectoryCache{
		table:    table,
		client:   client,
		ttl:      options.TTL,
		retry:    options.Retry,
		clock:    options.Clock,
		metrics:  options.Metrics,
		listings: cmap.NewWithCustomShardingFunction[uint64, *listing](shardInode),
	}
}

func shardInode(ino uint64) uint32 {
	return uint32(ino ^ ino>>32)
}

// List returns the children of the directory parent, fetching the whole
// listing from the remote when no valid one is cached. The returned slice
// is shared and must not be modified.
func (c *DirectoryCache) List(ctx context.Context, parent uint64) ([]InodeEntry, error) {
	dir, err := c.table.Get(parent)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", parent, common.ErrNotDirectory)
	}

	if cached, ok := c.listings.Get(parent); ok && cached.valid(c.clock.Now()) {
		c.metrics.ListingHit()
		return cached.children, nil
	}
	c.metrics.ListingMiss()

	result, err, _ := c.inflight.Do(strconv.FormatUint(parent, 10), func() (interface{}, error) {
		return c.refresh(ctx, dir)
	})
	if err != nil {
		return nil, err
	}
	return result.([]InodeEntry), nil
}

// Invalidate forces the next List of parent to refetch. The old snapshot is
// kept, expired, so the refetch can still tell which children vanished.
func (c *DirectoryCache) Invalidate(parent uint64) {
	if cached, ok := c.listings.Get(parent); ok {
		c.listings.Set(parent, &listing{children: cached.children, fetched: cached.fetched})
		common.Logger.Debugw("invalidated directory listing", "inode", parent)
	}
}

func (c *DirectoryCache) refresh(ctx context.Context, dir InodeEntry) ([]InodeEntry, error) {
	files, err := c.fetchAll(ctx, dir.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", dir.Name, err)
	}

	children := make([]InodeEntry, 0, len(files))
	names := make(map[string]string, len(files))
	present := mapset.NewThreadUnsafeSetWithSize[uint64](len(files))
	for _, file := range files {
		file.Name = displayName(file)
		if other, dup := names[file.Name]; dup {
			common.Logger.Warnw("skipping duplicate name in directory",
				"directory", dir.Name,
				"name", file.Name,
				"kept", other,
				"skipped", file.ID,
			)
			continue
		}
		names[file.Name] = file.ID

		ino, changed, err := c.table.Intern(dir.Ino, file)
		if err != nil {
			return nil, err
		}
		if changed && file.Kind == KindDirectory {
			c.Invalidate(ino)
		}
		child, err := c.table.Get(ino)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
		present.Add(ino)
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Name < children[j].Name
	})

	if previous, ok := c.listings.Get(dir.Ino); ok {
		before := mapset.NewThreadUnsafeSetWithSize[uint64](len(previous.children))
		for _, child := range previous.children {
			before.Add(child.Ino)
		}
		before.Difference(present).Each(func(ino uint64) bool {
			if c.table.MarkStale(ino, dir.Ino) {
				common.Logger.Debugw("child vanished from listing", "directory", dir.Name, "inode", ino)
			}
			return false
		})
	}

	now := c.clock.Now()
	c.listings.Set(dir.Ino, &listing{
		children: children,
		fetched:  now,
		expires:  now.Add(c.ttl),
	})
	common.Logger.Debugw("fetched directory listing", "directory", dir.Name, "inode", dir.Ino, "children", len(children))
	return children, nil
}

// fetchAll merges every page of a remote folder listing. Each page is
// retried on its own.
func (c *DirectoryCache) fetchAll(ctx context.Context, folderID string) ([]RemoteFile, error) {
	var files []RemoteFile
	cursor := ""
	for {
		var page Page
		err := common.Retry(ctx, c.retry, "list "+folderID, func(ctx context.Context) error {
			var err error
			page, err = c.client.ListChildren(ctx, folderID, cursor)
			return err
		}, func(int, error) { c.metrics.Retry("list") })
		if err != nil {
			return nil, err
		}
		c.metrics.RemoteListPage()

		files = append(files, page.Files...)
		if page.NextCursor == "" {
			return files, nil
		}
		if page.NextCursor == cursor {
			return nil, fmt.Errorf("listing %s: cursor %q did not advance: %w", folderID, cursor, common.ErrTransient)
		}
		cursor = page.NextCursor
	}
}

var validNameRegex = regexp.MustCompile(`^[^\x00/]+$`)

// displayName turns a remote name into one the kernel accepts. Names that
// are already valid are kept byte for byte.
func displayName(file RemoteFile) string {
	if validNameRegex.MatchString(file.Name) && file.Name != "." && file.Name != ".." {
		return file.Name
	}
	if file.Name == "" {
		return file.ID
	}
	sanitized := gozaru.Sanitize(file.Name)
	if !validNameRegex.MatchString(sanitized) || sanitized == "." || sanitized == ".." {
		return file.ID
	}
	return sanitized
}
