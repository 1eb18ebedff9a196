// Package feed is the live message store: writes go to the database and a
// change event is published on Redis; subscribers reload and receive full
// snapshots of the newest messages.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"folio/api/internal/observability"
	"folio/api/internal/store"
)

const DefaultChannel = "chat:messages"

const (
	reloadBackoff    = 100 * time.Millisecond
	maxReloadBackoff = 5 * time.Second
)

var ErrNotFound = store.ErrNotFound

// Op names a change published after a successful write.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is the payload published on the change channel. Subscribers only use
// it as a wake-up; every snapshot is reloaded from the store.
type Event struct {
	Op Op     `json:"op"`
	ID string `json:"id"`
}

// Patch lists the mutable fields of a message. A nil field is left unchanged.
type Patch struct {
	IsPinned *bool
}

// Store is the persistence the feed reads snapshots from and writes to.
type Store interface {
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
	LatestMessages(ctx context.Context, limit int) ([]store.Message, error)
	SetPinned(ctx context.Context, id string, pinned bool) error
	DeleteMessage(ctx context.Context, id string) error
}

// Indexer observes successful writes, e.g. to keep a search index current.
type Indexer interface {
	IndexMessage(msg store.Message)
	RemoveMessage(id string)
}

type Feed struct {
	store   Store
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu      sync.RWMutex
	indexer Indexer
}

func New(s Store, client *redis.Client, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		store:   s,
		client:  client,
		channel: DefaultChannel,
		logger:  logger,
	}
}

func (f *Feed) SetIndexer(indexer Indexer) {
	f.mu.Lock()
	f.indexer = indexer
	f.mu.Unlock()
}

func (f *Feed) currentIndexer() Indexer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.indexer
}

// Subscribe starts a live query over the newest limit messages. The initial
// snapshot is delivered first, then one snapshot per change; callbacks run
// sequentially on a single goroutine. Changes arriving during a reload are
// coalesced into the next reload. The returned function stops delivery and is
// safe to call more than once.
func (f *Feed) Subscribe(ctx context.Context, limit int, onSnapshot func([]store.Message)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := f.client.Subscribe(subCtx, f.channel)

	// Wait for the subscription to be confirmed before loading, so no write
	// between the load and the first notification is missed.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	initial, err := f.store.LatestMessages(subCtx, limit)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("load initial snapshot: %w", err)
	}

	changes := pubsub.Channel()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}

	go f.deliver(subCtx, changes, limit, initial, onSnapshot)
	return stop, nil
}

func (f *Feed) deliver(ctx context.Context, changes <-chan *redis.Message, limit int, initial []store.Message, onSnapshot func([]store.Message)) {
	if ctx.Err() != nil {
		return
	}
	onSnapshot(initial)
	observability.SnapshotsDeliveredTotal.Inc()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if !drain(changes) {
				return
			}

			messages, ok := f.reload(ctx, changes, limit)
			if !ok {
				return
			}
			onSnapshot(messages)
			observability.SnapshotsDeliveredTotal.Inc()
		}
	}
}

// reload loads a fresh snapshot, retrying with backoff until it succeeds so a
// change is never dropped. It reports false once ctx ends or changes closes.
func (f *Feed) reload(ctx context.Context, changes <-chan *redis.Message, limit int) ([]store.Message, bool) {
	backoff := reloadBackoff
	for {
		messages, err := f.store.LatestMessages(ctx, limit)
		if ctx.Err() != nil {
			return nil, false
		}
		if err == nil {
			return messages, true
		}
		f.logger.Warn("feed: reload snapshot failed",
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		// Changes seen while waiting are covered by the retry.
		if !drain(changes) {
			return nil, false
		}
		backoff = min(backoff*2, maxReloadBackoff)
	}
}

// drain discards queued notifications. It reports false if the channel closed.
func drain(changes <-chan *redis.Message) bool {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// Create stores a new message. The returned message carries the id and
// timestamp assigned by the store.
func (f *Feed) Create(ctx context.Context, msg store.Message) (store.Message, error) {
	saved, err := f.store.InsertMessage(ctx, msg)
	if err != nil {
		return store.Message{}, err
	}
	f.publish(ctx, Event{Op: OpCreate, ID: saved.ID})
	if indexer := f.currentIndexer(); indexer != nil {
		indexer.IndexMessage(saved)
	}
	return saved, nil
}

// Update applies patch to an existing message. A missing id yields ErrNotFound.
func (f *Feed) Update(ctx context.Context, id string, patch Patch) error {
	if patch.IsPinned == nil {
		return nil
	}
	if err := f.store.SetPinned(ctx, id, *patch.IsPinned); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	f.publish(ctx, Event{Op: OpUpdate, ID: id})
	return nil
}

// Delete removes a message. Deleting a missing id succeeds.
func (f *Feed) Delete(ctx context.Context, id string) error {
	if err := f.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	f.publish(ctx, Event{Op: OpDelete, ID: id})
	if indexer := f.currentIndexer(); indexer != nil {
		indexer.RemoveMessage(id)
	}
	return nil
}

// publish failures are logged only; the write itself already succeeded.
func (f *Feed) publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("feed: marshal event", zap.Error(err))
		return
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		f.logger.Warn("feed: publish change failed",
			zap.String("op", string(event.Op)),
			zap.String("message_id", event.ID),
			zap.Error(err))
	}
}
