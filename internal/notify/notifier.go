// Package notify implements the exchange notification dispatcher. It
// reacts to exchange lifecycle events (created, accepted, rejected) and
// pushes the relevant payloads to every live WebSocket session of the
// affected user, using the presence registry to decide where delivery goes.
//
// Dispatch is fire-and-forget: jobs run on a background worker fed by a
// bounded queue, errors are logged and swallowed, and there is no retry —
// a missed notification is recovered by the catch-up query on the user's
// next connect.
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/bookswap/exchange-app/internal/exchange"
	"github.com/bookswap/exchange-app/internal/metrics"
	"github.com/bookswap/exchange-app/internal/protocol"
)

// Loader is the read-only slice of the exchange store the dispatcher needs.
type Loader interface {
	GetByID(ctx context.Context, id int64) (*exchange.Exchange, error)
	PendingForOwner(ctx context.Context, ownerID int64) ([]exchange.Notification, error)
	BookTitle(ctx context.Context, bookID int64) string
}

// Presence resolves a user to their live session IDs.
type Presence interface {
	SessionsFor(userID int64) []string
}

// Sender delivers a raw message to a single session. Delivery to a session
// that has since disconnected should return an error; the dispatcher drops
// it silently.
type Sender interface {
	Send(sessionID string, data []byte) error
}

// Config holds dispatcher tuning parameters.
type Config struct {
	QueueSize    int           // bounded job queue capacity
	QueryTimeout time.Duration // per-job store query timeout
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		QueryTimeout: 5 * time.Second,
	}
}

const (
	jobNewExchange = iota
	jobStatusUpdate
)

type job struct {
	kind       int
	exchangeID int64
	status     string
}

// Notifier is the notification dispatcher. Create with NewNotifier; it
// starts its worker immediately and runs until Close.
type Notifier struct {
	config   Config
	loader   Loader
	presence Presence
	sender   Sender
	jobs     chan job
	done     chan struct{}
	wg       sync.WaitGroup
	closing  sync.Once
}

// NewNotifier creates a Notifier and starts its background worker.
func NewNotifier(config Config, loader Loader, presence Presence, sender Sender) *Notifier {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}

	n := &Notifier{
		config:   config,
		loader:   loader,
		presence: presence,
		sender:   sender,
		jobs:     make(chan job, config.QueueSize),
		done:     make(chan struct{}),
	}

	n.wg.Add(1)
	go n.worker()
	return n
}

// NotifyNewExchange schedules a notification for a freshly created exchange
// proposal. It never blocks the caller: if the queue is full the job is
// dropped with a log line.
func (n *Notifier) NotifyNewExchange(exchangeID int64) {
	n.enqueue(job{kind: jobNewExchange, exchangeID: exchangeID})
}

// NotifyStatusUpdate schedules a status-change notification (accepted or
// rejected) for the exchange's requester. Non-blocking, same drop policy.
func (n *Notifier) NotifyStatusUpdate(exchangeID int64, status string) {
	n.enqueue(job{kind: jobStatusUpdate, exchangeID: exchangeID, status: status})
}

func (n *Notifier) enqueue(j job) {
	select {
	case n.jobs <- j:
		metrics.NotifyQueueDepth.Set(float64(len(n.jobs)))
	default:
		log.Printf("[notify] queue full, dropping job kind=%d exchange=%d", j.kind, j.exchangeID)
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
	}
}

// worker drains the job queue until Close. Each job gets its own query
// timeout; failures are logged and never propagated.
func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case j := <-n.jobs:
			metrics.NotifyQueueDepth.Set(float64(len(n.jobs)))
			n.run(j)
		case <-n.done:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case j := <-n.jobs:
					n.run(j)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.QueryTimeout)
	defer cancel()

	switch j.kind {
	case jobNewExchange:
		n.runNewExchange(ctx, j.exchangeID)
	case jobStatusUpdate:
		n.runStatusUpdate(ctx, j.exchangeID, j.status)
	}
}

// runNewExchange resolves the exchange's owner and re-sends the full
// pending list to all of the owner's live sessions. A vanished exchange is
// a logged no-op.
func (n *Notifier) runNewExchange(ctx context.Context, exchangeID int64) {
	e, err := n.loader.GetByID(ctx, exchangeID)
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			log.Printf("[notify] exchange %d no longer exists, skipping", exchangeID)
		} else {
			log.Printf("[notify] load exchange %d failed: %v", exchangeID, err)
		}
		return
	}

	if err := n.SendPending(ctx, e.OwnerID, ""); err != nil {
		log.Printf("[notify] pending push for owner %d failed: %v", e.OwnerID, err)
	}
}

// runStatusUpdate pushes a single exchange_status_update event to each of
// the requester's live sessions. An offline requester means no delivery —
// no queueing, no retry.
func (n *Notifier) runStatusUpdate(ctx context.Context, exchangeID int64, status string) {
	e, err := n.loader.GetByID(ctx, exchangeID)
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			log.Printf("[notify] exchange %d no longer exists, skipping status update", exchangeID)
		} else {
			log.Printf("[notify] load exchange %d failed: %v", exchangeID, err)
		}
		return
	}

	sessions := n.presence.SessionsFor(e.RequesterID)
	if len(sessions) == 0 {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeExchangeStatusUpdate, protocol.ExchangeStatusUpdateMsg{
		ExchangeID: e.ID,
		BookTitle:  n.loader.BookTitle(ctx, e.BookID),
		Status:     status,
	})
	if err != nil {
		log.Printf("[notify] build status update for exchange %d failed: %v", exchangeID, err)
		return
	}

	delivered := 0
	for _, sid := range sessions {
		if err := n.sender.Send(sid, data); err != nil {
			// Session disconnected between lookup and send. Dropped.
			continue
		}
		delivered++
	}
	if delivered > 0 {
		metrics.NotificationsTotal.WithLabelValues(protocol.TypeExchangeStatusUpdate).Add(float64(delivered))
		log.Printf("[notify] status update exchange=%d status=%s delivered to %d session(s) of user %d",
			exchangeID, status, delivered, e.RequesterID)
	}
}

// SendPending runs the pending-exchange catch-up query for userID and
// pushes the result as a single new_exchanges event. When sessionID is
// non-empty, delivery is scoped to that one session (connect-time
// catch-up); otherwise the event fans out to every live session of the
// user. An empty result set emits nothing.
func (n *Notifier) SendPending(ctx context.Context, userID int64, sessionID string) error {
	notifications, err := n.loader.PendingForOwner(ctx, userID)
	if err != nil {
		return err
	}
	if len(notifications) == 0 {
		return nil
	}

	data, err := protocol.NewServerMessage(protocol.TypeNewExchanges, protocol.NewExchangesMsg{
		Exchanges: notifications,
	})
	if err != nil {
		return err
	}

	targets := []string{sessionID}
	if sessionID == "" {
		targets = n.presence.SessionsFor(userID)
	}

	delivered := 0
	for _, sid := range targets {
		if err := n.sender.Send(sid, data); err != nil {
			continue
		}
		delivered++
	}
	if delivered > 0 {
		metrics.NotificationsTotal.WithLabelValues(protocol.TypeNewExchanges).Add(float64(delivered))
		log.Printf("[notify] %d pending exchange(s) pushed to %d session(s) of user %d",
			len(notifications), delivered, userID)
	}
	return nil
}

// Close stops the worker after draining queued jobs. Safe to call more
// than once.
func (n *Notifier) Close() {
	n.closing.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
}
