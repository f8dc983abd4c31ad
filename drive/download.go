package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/djherbis/buffer"
	"github.com/djherbis/nio/v3"

	"github.com/404wolf/drivefs/common"
	"github.com/404wolf/drivefs/drivefs"
)

// Largest chunk held between the socket and the returned slice
const copyBufferSize = 1024 * 1024

// FetchRange downloads length bytes at offset from the locator's URL. The
// result is shorter than length only when the file ends early.
func (c *Client) FetchRange(ctx context.Context, locator drivefs.Locator, offset uint64, length int) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	end := offset + uint64(length) - 1
	common.Logger.Debugw("downloading range", "start", offset, "end", end)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator.URL, nil)
	if err != nil {
		return nil, common.Permanent(err)
	}
	c.setHeaders(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, end))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && offset == 0:
		// The server ignored the range and sends the whole file from the start.
	case resp.StatusCode == http.StatusOK:
		return nil, fmt.Errorf("range %d-%d answered with the whole file", offset, end)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %w", drivefs.ErrLocatorExpired, newStatusError(resp))
	default:
		return nil, statusError(resp)
	}

	bufSize := int64(length)
	if bufSize > copyBufferSize {
		bufSize = copyBufferSize
	}
	var out bytes.Buffer
	out.Grow(length)
	if _, err := nio.Copy(&out, io.LimitReader(resp.Body, int64(length)), buffer.New(bufSize)); err != nil {
		return nil, fmt.Errorf("reading range %d-%d: %w", offset, end, err)
	}
	return out.Bytes(), nil
}
