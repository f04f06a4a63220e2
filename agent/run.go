package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Run drives the agent until ctx is done: it loads the document, keeps it
// current by watching the twin, and calls ObtainToken every RetryInterval
// until a token is held.
//
// A failed initial read is logged and left to the twin watch to recover.
// Run keeps watching after the token is obtained, so a later refresh finds
// a current document.
//
// Parameters:
//   - ctx: Stops the loop when done
//
// Returns:
//   - nil once ctx is done and the twin watch has stopped
func (a *Agent) Run(ctx context.Context) error {
	if doc, etag, err := a.transport.GetTwin(ctx); err != nil {
		a.log.Warn("Initial twin read failed", "err", err)
	} else {
		a.ApplyTwin(doc, etag)
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		a.watchTwin(ctx)
	}()

	a.obtainWithRetry(ctx)
	<-watchDone
	return nil
}

func (a *Agent) obtainWithRetry(ctx context.Context) {
	for {
		token, err := a.ObtainToken(ctx)
		if err == nil {
			a.log.Info("Module identity ready", slog.String("userName", token.UserName))
			return
		}
		if ctx.Err() != nil {
			return
		}

		var notReady *NotReadyError
		if errors.As(err, &notReady) {
			a.log.Info("Module identity not ready yet", slog.String("status", notReady.Status.String()))
		} else {
			a.log.Error("Failed to obtain token", "err", err)
		}

		if !sleep(ctx, a.cfg.RetryInterval) {
			return
		}
	}
}

func (a *Agent) watchTwin(ctx context.Context) {
	for ctx.Err() == nil {
		_, known := a.Document()
		doc, etag, err := a.transport.WatchTwin(ctx, known)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("Twin watch failed", "err", err)
			sleep(ctx, a.cfg.PollInterval)
			continue
		}
		if doc != nil {
			a.ApplyTwin(doc, etag)
		}
	}
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
