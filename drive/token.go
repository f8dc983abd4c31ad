package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/404wolf/drivefs/common"
)

const (
	refreshTokenFile = "refresh_token"

	// Access tokens are renewed this long before they expire
	refreshAhead = 200 * time.Second

	minRefreshInterval = time.Minute
)

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) currentRefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshToken
}

func (c *Client) refreshInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	interval := c.expiresIn - refreshAhead
	if interval < minRefreshInterval {
		return minRefreshInterval
	}
	return interval
}

// Refresh exchanges the current refresh token for a new access token.
// Callers arriving while a refresh is running wait for its result.
func (c *Client) Refresh(ctx context.Context) error {
	_, err, _ := c.refreshes.Do("refresh", func() (interface{}, error) {
		return c.refreshWithRetry(ctx, c.currentRefreshToken())
	})
	return err
}

// refreshRejected refreshes after the server rejected rejected, unless
// another request has already replaced it.
func (c *Client) refreshRejected(ctx context.Context, rejected string) error {
	_, err, _ := c.refreshes.Do("refresh", func() (interface{}, error) {
		if c.token() != rejected {
			return nil, nil
		}
		return c.refreshWithRetry(ctx, c.currentRefreshToken())
	})
	return err
}

// initialRefresh tries the configured refresh token first and the
// persisted one when the configured token is rejected.
func (c *Client) initialRefresh(ctx context.Context) (*refreshTokenResponse, error) {
	persisted := c.loadRefreshToken()
	configured := c.currentRefreshToken()
	if configured == "" && persisted == "" {
		return nil, errors.New("no refresh token configured or persisted")
	}

	if configured != "" {
		res, err := c.refreshWithRetry(ctx, configured)
		if err == nil || persisted == "" || persisted == configured {
			return res, err
		}
		common.Logger.Infow("configured refresh token rejected, trying persisted one", "error", err)
	}
	return c.refreshWithRetry(ctx, persisted)
}

func (c *Client) refreshWithRetry(ctx context.Context, refreshToken string) (*refreshTokenResponse, error) {
	var res *refreshTokenResponse
	err := common.Retry(ctx, c.config.Retry, "refresh token", func(ctx context.Context) error {
		var err error
		res, err = c.doRefresh(ctx, refreshToken)
		return err
	}, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.refreshToken = res.RefreshToken
	c.accessToken = res.AccessToken
	c.expiresIn = time.Duration(res.ExpiresIn) * time.Second
	c.mu.Unlock()

	if err := c.saveRefreshToken(res.RefreshToken); err != nil {
		common.Logger.Errorw("saving refresh token failed", "error", err)
	}
	common.Logger.Infow("refreshed access token", "nick_name", res.NickName, "expires_in", res.ExpiresIn)
	return res, nil
}

func (c *Client) doRefresh(ctx context.Context, refreshToken string) (*refreshTokenResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(refreshTokenRequest{
		RefreshToken: refreshToken,
		GrantType:    "refresh_token",
		AppID:        c.config.AppID,
	})
	if err != nil {
		return nil, common.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RefreshTokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, common.Permanent(err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		// A rejected refresh token does not get better by retrying.
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return nil, common.Permanent(err)
		}
		return nil, err
	}

	var res refreshTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding refresh token response: %w", err)
	}
	if res.AccessToken == "" {
		return nil, common.Permanent(errors.New("refresh token response has no access token"))
	}
	return &res, nil
}

func (c *Client) loadRefreshToken() string {
	if c.config.Workdir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(c.config.Workdir, refreshTokenFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Client) saveRefreshToken(refreshToken string) error {
	if c.config.Workdir == "" {
		return nil
	}
	if err := os.MkdirAll(c.config.Workdir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.config.Workdir, refreshTokenFile), []byte(refreshToken), 0o600)
}
