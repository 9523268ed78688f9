package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ameshkov/ssme/internal/gateway"
	"github.com/ameshkov/ssme/internal/version"
	"github.com/getsentry/sentry-go"
)

// sentryFlushTimeout is the time given to Sentry to send the buffered events
// on shutdown.
const sentryFlushTimeout = 2 * time.Second

// sentryErrorCollector is a gateway.ErrorCollector that reports the errors to
// Sentry.
type sentryErrorCollector struct {
	hub *sentry.Hub
}

// type check
var _ gateway.ErrorCollector = (*sentryErrorCollector)(nil)

// newErrorCollector returns the Sentry collector for dsn or an empty one if
// dsn is empty.
func newErrorCollector(dsn string) (errColl gateway.ErrorCollector, err error) {
	if dsn == "" {
		return gateway.EmptyErrorCollector{}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          version.Version(),
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}

	return &sentryErrorCollector{
		hub: sentry.NewHub(client, sentry.NewScope()),
	}, nil
}

// Collect implements the gateway.ErrorCollector interface for
// *sentryErrorCollector.
func (c *sentryErrorCollector) Collect(_ context.Context, err error) {
	c.hub.CaptureException(err)
}

// Shutdown sends the buffered events.  ctx is only used for its deadline.
func (c *sentryErrorCollector) Shutdown(ctx context.Context) (err error) {
	timeout := sentryFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	if !c.hub.Flush(timeout) {
		return errors.Error("sentry: flush timed out")
	}

	return nil
}
