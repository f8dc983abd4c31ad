package common

import (
	"context"
	"time"
)

// Refresher defines the interface for renewing state that expires, such as
// access tokens.
type Refresher interface {
	// Refresh renews the state. ctx bounds a single attempt.
	Refresh(ctx context.Context) error
}

// RefreshPeriodically calls r.Refresh after every interval() until ctx is
// done. Failures are logged and the loop carries on.
func RefreshPeriodically(ctx context.Context, name string, r Refresher, interval func() time.Duration) {
	for {
		timer := time.NewTimer(interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := r.Refresh(ctx); err != nil {
			Logger.Errorw("periodic refresh failed", "name", name, "error", err)
			continue
		}
		Logger.Debugw("periodic refresh succeeded", "name", name)
	}
}
