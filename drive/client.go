// Package drive talks to the Aliyun Drive (and Aliyun PDS) HTTP API.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/404wolf/drivefs/common"
	"github.com/404wolf/drivefs/drivefs"
)

const (
	origin    = "https://www.aliyundrive.com"
	referer   = "https://www.aliyundrive.com/"
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.131 Safari/537.36"

	listPageSize = 200

	// Lifetime assumed for download URLs that come without an expiration
	defaultLocatorLifetime = 10 * time.Minute
)

type Config struct {
	APIBaseURL      string
	RefreshTokenURL string

	// Directory where the rotated refresh token is persisted, empty to skip
	Workdir string

	// Sent with token refreshes, required by PDS
	AppID string

	RateLimit float64
	Burst     int

	// Policy for refreshing the access token
	Retry common.RetryPolicy

	HTTPClient *http.Client
}

// NewConfig returns the endpoints for the public drive, or for the PDS
// domain when domainID is set.
func NewConfig(domainID string, workdir string, api common.APIConfig, retry common.RetryPolicy) Config {
	config := Config{
		APIBaseURL:      "https://api.aliyundrive.com",
		RefreshTokenURL: "https://api.aliyundrive.com/token/refresh",
		Workdir:         workdir,
		RateLimit:       api.RateLimit,
		Burst:           api.Burst,
		Retry:           retry,
	}
	if domainID != "" {
		config.APIBaseURL = fmt.Sprintf("https://%s.api.aliyunpds.com", domainID)
		config.RefreshTokenURL = fmt.Sprintf("https://%s.auth.aliyunpds.com/v2/account/token", domainID)
		config.AppID = "BasicUI"
	}
	return config
}

// StatusError is an unexpected HTTP status from the drive.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Method: resp.Request.Method,
		URL:    redactURL(resp.Request.URL),
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

// statusError builds the error for resp and classifies it. Missing objects
// become common.ErrNotFound and other client errors are permanent.
func statusError(resp *http.Response) error {
	err := newStatusError(resp)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", common.ErrNotFound, err)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return err
	case resp.StatusCode >= 400:
		return common.Permanent(err)
	}
	return err
}

// Download URLs carry signatures in their query.
func redactURL(u *url.URL) string {
	redacted := *u
	redacted.RawQuery = ""
	return redacted.String()
}

// Client implements the metadata, content and quota clients of the
// filesystem against one drive.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter

	// Refresh tokens rotate on use, so concurrent refreshes share one call.
	refreshes singleflight.Group

	mu           sync.RWMutex
	refreshToken string
	accessToken  string
	expiresIn    time.Duration

	DriveID  string
	NickName string
}

var (
	_ drivefs.MetadataClient = (*Client)(nil)
	_ drivefs.ContentClient  = (*Client)(nil)
	_ drivefs.QuotaClient    = (*Client)(nil)
)

// New obtains an access token with refreshToken, falling back to the token
// persisted in the workdir, and learns the default drive. The token is then
// kept fresh in the background until ctx is done.
func New(ctx context.Context, config Config, refreshToken string) (*Client, error) {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				// The storage backend drops idle connections after a minute
				IdleConnTimeout:     50 * time.Second,
				MaxIdleConnsPerHost: 16,
			},
		}
	}
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}

	client := &Client{
		config:       config,
		http:         httpClient,
		limiter:      rate.NewLimiter(limit, burst),
		refreshToken: strings.TrimSpace(refreshToken),
	}

	res, err := client.initialRefresh(ctx)
	if err != nil {
		return nil, err
	}
	if res.DefaultDriveID == "" {
		return nil, errors.New("refresh token response has no default drive id")
	}
	client.DriveID = res.DefaultDriveID
	client.NickName = res.NickName
	common.Logger.Infow("found default drive", "drive_id", client.DriveID, "nick_name", client.NickName)

	go common.RefreshPeriodically(ctx, "access token", client, client.refreshInterval)
	return client, nil
}

// post sends body as JSON to path with the access token and decodes the
// response into out. An unauthorized response refreshes the token once.
func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	token := c.token()
	err := c.postOnce(ctx, token, path, body, out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
		common.Logger.Infow("access token rejected, refreshing", "path", path)
		if refreshErr := c.refreshRejected(ctx, token); refreshErr != nil {
			return refreshErr
		}
		err = c.postOnce(ctx, c.token(), path, body, out)
	}
	return err
}

func (c *Client) postOnce(ctx context.Context, token, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return common.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return common.Permanent(err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", referer)
}

// ListChildren returns one page of the folder folderID.
func (c *Client) ListChildren(ctx context.Context, folderID string, cursor string) (drivefs.Page, error) {
	common.Logger.Debugw("listing folder", "drive_id", c.DriveID, "folder", folderID, "marker", cursor)
	var res listFileResponse
	err := c.post(ctx, "/v2/file/list", listFileRequest{
		DriveID:        c.DriveID,
		ParentFileID:   folderID,
		Limit:          listPageSize,
		Fields:         "*",
		OrderBy:        "name",
		OrderDirection: "ASC",
		Marker:         cursor,
	}, &res)
	if err != nil {
		return drivefs.Page{}, err
	}

	page := drivefs.Page{
		Files:      make([]drivefs.RemoteFile, 0, len(res.Items)),
		NextCursor: res.NextMarker,
	}
	for _, item := range res.Items {
		page.Files = append(page.Files, item.remoteFile())
	}
	return page, nil
}

// DownloadLocator returns a signed download URL for fileID.
func (c *Client) DownloadLocator(ctx context.Context, fileID string) (drivefs.Locator, error) {
	common.Logger.Debugw("getting download url", "file", fileID)
	var res downloadURLResponse
	err := c.post(ctx, "/v2/file/get_download_url", downloadURLRequest{
		DriveID: c.DriveID,
		FileID:  fileID,
	}, &res)
	if err != nil {
		return drivefs.Locator{}, err
	}
	if res.URL == "" {
		return drivefs.Locator{}, fmt.Errorf("no download url for %s", fileID)
	}
	expires := res.Expiration
	if expires.IsZero() {
		expires = time.Now().Add(defaultLocatorLifetime)
	}
	return drivefs.Locator{URL: res.URL, Expires: expires}, nil
}

// Quota returns the used and total bytes of the drive.
func (c *Client) Quota(ctx context.Context) (uint64, uint64, error) {
	var res driveResponse
	if err := c.post(ctx, "/v2/drive/get", driveRequest{DriveID: c.DriveID}, &res); err != nil {
		return 0, 0, err
	}
	return res.UsedSize, res.TotalSize, nil
}
