package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x402-foundation/gasless-relay/pkg/log"
	"github.com/x402-foundation/gasless-relay/store"
)

const (
	DefaultMaxAttempts = 3
	DefaultGracePeriod = 30 * time.Second
	// DefaultLease is how long a drained item waits for a status report before
	// it counts as a failed delivery.
	DefaultLease = 2 * time.Minute
)

var (
	ErrItemNotFound      = errors.New("queue item not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is a delivery item's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in-flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInFlight, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

// Receipt is the payload handed to the receipt printer.
type Receipt struct {
	TxHash      string `json:"txHash" msgpack:"tx"`
	BlockNumber uint64 `json:"blockNumber" msgpack:"bn"`
	Payer       string `json:"payer" msgpack:"from"`
	Recipient   string `json:"recipient" msgpack:"to"`
	Token       string `json:"token" msgpack:"tok"`
	Amount      string `json:"amount" msgpack:"amt"`
	SessionID   string `json:"sessionId,omitempty" msgpack:"sid"`
}

// Item is one delivery in the queue.
type Item struct {
	ID         string    `json:"id" msgpack:"id"`
	Receipt    Receipt   `json:"receipt" msgpack:"r"`
	Status     Status    `json:"status" msgpack:"s"`
	Attempts   int       `json:"attempts" msgpack:"a"`
	EnqueuedAt time.Time `json:"enqueuedAt" msgpack:"eq"`
	UpdatedAt  time.Time `json:"updatedAt" msgpack:"up"`
	// LeaseUntil is set while the item is in-flight.
	LeaseUntil time.Time `json:"leaseUntil" msgpack:"lu"`
}

// UpdateResult describes the effect of UpdateStatus.
type UpdateResult struct {
	Item Item `json:"item"`
	// Dropped is set when a failure exhausted the item's attempts.
	Dropped bool `json:"dropped"`
	// Duplicate is set when a completed item is reported completed again.
	Duplicate bool `json:"duplicate"`
}

// Queue is a pull-based, bounded-retry delivery queue. Items are keyed by id
// in the backing store; all status transitions are serialized.
type Queue struct {
	mu          sync.Mutex
	items       store.Store[Item]
	maxAttempts int
	grace       time.Duration
	lease       time.Duration
	now         func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets how many failed deliveries drop an item.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithGracePeriod sets how long completed items are kept for duplicate detection.
func WithGracePeriod(d time.Duration) Option {
	return func(q *Queue) {
		q.grace = d
	}
}

// WithLease sets how long a drained item stays in-flight without a report.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue over items.
func New(items store.Store[Item], opts ...Option) *Queue {
	q := &Queue{
		items:       items,
		maxAttempts: DefaultMaxAttempts,
		grace:       DefaultGracePeriod,
		lease:       DefaultLease,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a pending receipt and returns its id.
func (q *Queue) Enqueue(ctx context.Context, receipt Receipt) (string, error) {
	now := q.now()
	item := Item{
		ID:         uuid.NewString(),
		Receipt:    receipt,
		Status:     StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.items.Set(ctx, item.ID, item, time.Time{}); err != nil {
		return "", fmt.Errorf("failed to enqueue receipt: %w", err)
	}
	log.Queue.Debug().Str("item", item.ID).Str("tx", receipt.TxHash).Msg("receipt enqueued")
	return item.ID, nil
}

// Drain returns all pending items in enqueue order and leases them in-flight.
// In-flight items whose lease ran out are counted as failed first, so an
// unreported delivery comes back until it exhausts its attempts.
func (q *Queue) Drain(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if _, err := q.reclaimLocked(ctx, now); err != nil {
		return nil, err
	}

	var pending []Item
	err := q.items.Range(ctx, func(_ string, entry store.Entry[Item]) bool {
		if entry.Value.Status == StatusPending {
			pending = append(pending, entry.Value)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].EnqueuedAt.Equal(pending[j].EnqueuedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})

	for i := range pending {
		pending[i].Status = StatusInFlight
		pending[i].UpdatedAt = now
		pending[i].LeaseUntil = now.Add(q.lease)
		if err := q.items.Set(ctx, pending[i].ID, pending[i], time.Time{}); err != nil {
			return nil, fmt.Errorf("failed to mark item in-flight: %w", err)
		}
	}
	return pending, nil
}

// reclaimLocked fails every in-flight item whose lease ended before now and
// returns how many were dropped for good.
func (q *Queue) reclaimLocked(ctx context.Context, now time.Time) (int, error) {
	var lapsed []Item
	err := q.items.Range(ctx, func(_ string, entry store.Entry[Item]) bool {
		item := entry.Value
		if item.Status == StatusInFlight && !now.Before(item.LeaseUntil) {
			lapsed = append(lapsed, item)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan queue: %w", err)
	}

	dropped := 0
	for _, item := range lapsed {
		log.Queue.Warn().Str("item", item.ID).Time("leaseUntil", item.LeaseUntil).Msg("delivery lease expired")
		result, err := q.failLocked(ctx, item, now)
		if err != nil {
			return dropped, err
		}
		if result.Dropped {
			dropped++
		}
	}
	return dropped, nil
}

// failLocked records one failed delivery of item, dropping it at the cap.
func (q *Queue) failLocked(ctx context.Context, item Item, now time.Time) (*UpdateResult, error) {
	item.Attempts++
	item.UpdatedAt = now
	item.LeaseUntil = time.Time{}
	if item.Attempts >= q.maxAttempts {
		item.Status = StatusFailed
		if err := q.items.Delete(ctx, item.ID); err != nil {
			return nil, err
		}
		log.Queue.Warn().Str("item", item.ID).Int("attempts", item.Attempts).Msg("delivery dropped")
		return &UpdateResult{Item: item, Dropped: true}, nil
	}
	item.Status = StatusPending
	if err := q.items.Set(ctx, item.ID, item, time.Time{}); err != nil {
		return nil, err
	}
	return &UpdateResult{Item: item}, nil
}

// UpdateStatus records a delivery outcome. Only completed and failed are
// accepted. A failure returns the item to pending until it has failed
// maxAttempts times, at which point it is dropped.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status Status) (*UpdateResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.items.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	item := entry.Value
	now := q.now()

	switch status {
	case StatusCompleted:
		if item.Status == StatusCompleted {
			return &UpdateResult{Item: item, Duplicate: true}, nil
		}
		item.Status = StatusCompleted
		item.UpdatedAt = now
		item.LeaseUntil = time.Time{}
		if err := q.items.Set(ctx, id, item, now.Add(q.grace)); err != nil {
			return nil, err
		}
		return &UpdateResult{Item: item}, nil

	case StatusFailed:
		if item.Status == StatusCompleted {
			return nil, fmt.Errorf("%w: %s item cannot fail", ErrInvalidTransition, item.Status)
		}
		return q.failLocked(ctx, item, now)
	}

	return nil, fmt.Errorf("%w: cannot set status %q", ErrInvalidTransition, status)
}

// Get returns an item by id.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	entry, err := q.items.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry.Value, nil
}

// Depth counts items not yet completed.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	depth := 0
	err := q.items.Range(ctx, func(_ string, entry store.Entry[Item]) bool {
		if entry.Value.Status != StatusCompleted {
			depth++
		}
		return true
	})
	return depth, err
}

// Sweep purges completed items whose grace period has ended and fails
// in-flight items whose lease ran out.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	dropped, err := q.reclaimLocked(ctx, now)
	if err != nil {
		return dropped, err
	}
	removed, err := q.items.Sweep(ctx, now)
	if err != nil {
		return dropped + removed, fmt.Errorf("failed to sweep queue: %w", err)
	}
	if removed > 0 {
		log.Queue.Debug().Int("removed", removed).Msg("completed deliveries purged")
	}
	return dropped + removed, nil
}
