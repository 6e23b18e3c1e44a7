package notify

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrQueueFull is returned when the queue has no room for another alert.
var ErrQueueFull = errors.New("notify: queue full")

// Queue is a Dispatcher that hands alerts to another Dispatcher on its own
// goroutine, so callers on the event loop never wait on the platform. Alerts
// arriving while the buffer is full are dropped.
type Queue struct {
	next    Dispatcher
	ch      chan Notification
	timeout time.Duration
	logger  zerolog.Logger
}

// NewQueue buffers up to size alerts for next. Each delivery gets timeout.
func NewQueue(next Dispatcher, size int, timeout time.Duration) *Queue {
	if size < 1 {
		size = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Queue{
		next:    next,
		ch:      make(chan Notification, size),
		timeout: timeout,
		logger:  log.Logger.With().Str("component", "notify-queue").Logger(),
	}
}

// Dispatch enqueues n without blocking.
func (q *Queue) Dispatch(_ context.Context, n Notification) error {
	select {
	case q.ch <- n:
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "drop %s alert", n.Kind)
	}
}

// Run delivers queued alerts in order until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-q.ch:
			dctx, cancel := context.WithTimeout(ctx, q.timeout)
			if err := q.next.Dispatch(dctx, n); err != nil {
				q.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("alert delivery failed")
			}
			cancel()
		}
	}
}
