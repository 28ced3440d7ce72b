package source

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Spatial-NVR/opensec/internal/video"
)

// CameraFeed reads a network stream and reconnects after read failures
type CameraFeed struct {
	*feed
}

// NewCameraFeed validates the URI and returns a stopped feed
func NewCameraFeed(name, uri string, opts Options) (*CameraFeed, error) {
	if err := validateNetworkURI(uri); err != nil {
		return nil, err
	}
	if opts.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max reconnect attempts must not be negative")
	}

	c := &CameraFeed{feed: newFeed(name, uri, opts)}
	c.probe = true
	c.onReadError = c.reconnect
	return c, nil
}

// reconnect retries probe+open with a constant backoff. The attempt counter
// keeps its final value on exhaustion and is cleared on success.
func (c *CameraFeed) reconnect(ctx context.Context, cause error) error {
	maxAttempts := c.opts.MaxReconnectAttempts
	c.logger.Warn("Source read failed, reconnecting", "error", cause, "max_attempts", maxAttempts)

	c.attempts.Store(0)
	if maxAttempts == 0 {
		return fmt.Errorf("%w: %s: reconnect disabled", ErrSourceUnreachable, video.SanitizeURL(c.uri))
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.ReconnectBackoff), uint64(maxAttempts-1)),
		ctx,
	)

	operation := func() error {
		attempt := c.attempts.Add(1)
		c.state.Store(int32(Connecting))
		c.closeCapture()

		capture, err := c.connect(ctx)
		if err != nil {
			c.state.Store(int32(Disconnected))
			c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			return err
		}
		if !c.setCapture(ctx, capture) {
			return backoff.Permanent(ctx.Err())
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Debug("Retrying source", "in", next)
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %d attempts: %v",
			ErrSourceUnreachable, video.SanitizeURL(c.uri), c.attempts.Load(), err)
	}

	c.attempts.Store(0)
	c.logger.Info("Source reconnected")
	return nil
}
