package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-bidding/internal/observability"
)

// Notifier delivers an event to one user. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload any) error
}

// Frame is what subscribers receive.
type Frame struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Multi tries every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID, event string, payload any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Notify(context.Context, string, string, any) error { return nil }

type job struct {
	userID  string
	event   string
	payload any
}

// Async queues notifications for a single worker so callers never block on
// delivery. A full queue drops the notification.
type Async struct {
	next  Notifier
	log   *slog.Logger
	queue chan job
	done  chan struct{}
}

func NewAsync(next Notifier, size int, log *slog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Async{next: next, log: log, queue: make(chan job, size), done: make(chan struct{})}
}

// Run drains the queue until ctx is done.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-a.queue:
			sendCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := a.next.Notify(sendCtx, j.userID, j.event, j.payload); err != nil && !errors.Is(err, ErrNoSession) {
				a.log.Debug("notify failed", "user_id", j.userID, "event", j.event, "error", err)
			}
			cancel()
		}
	}
}

// Done is closed once Run returns.
func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) Notify(_ context.Context, userID, event string, payload any) error {
	select {
	case a.queue <- job{userID: userID, event: event, payload: payload}:
	default:
		observability.NotificationsDropped.Inc()
		a.log.Warn("notification queue full", "user_id", userID, "event", event)
	}
	return nil
}
