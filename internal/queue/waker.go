package queue

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/jarvis/internal/storage"
)

// Notifier is the LISTEN side of Postgres notifications.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Waker fans job notifications out to idle worker pools, so an enqueued job
// starts without waiting for the next poll tick. Without a Waker workers
// still find every job by polling.
type Waker struct {
	notifier Notifier
	queue    *Queue
	logger   *slog.Logger
}

// NewWaker creates a waker for q. Call Start to begin listening.
func NewWaker(n Notifier, q *Queue, logger *slog.Logger) *Waker {
	return &Waker{notifier: n, queue: q, logger: logger}
}

// Start listens on the jobs channel. It blocks, so call it in a goroutine.
// Returns when ctx is cancelled.
func (w *Waker) Start(ctx context.Context) {
	if err := w.notifier.Listen(ctx, storage.ChannelJobs); err != nil {
		w.logger.Error("queue waker: listen", "error", err)
		return
	}
	w.logger.Info("queue waker: listening for notifications", "channel", storage.ChannelJobs)

	for {
		_, payload, err := w.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("queue waker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		queueName, name, ok := strings.Cut(payload, ":")
		if !ok {
			w.logger.Debug("queue waker: ignoring malformed payload", "payload", payload)
			continue
		}
		w.queue.wake(queueName, name)
	}
}
