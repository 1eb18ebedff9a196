package feed

import (
	"context"
	"sync"
	"time"

	"folio/api/internal/observability"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

// Memory is an in-process feed with the same delivery semantics as Feed. It
// backs the server when no database is configured.
type Memory struct {
	mu       sync.Mutex
	messages []store.Message
	subs     map[int]chan struct{}
	nextSub  int
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		subs: make(map[int]chan struct{}),
		now:  time.Now,
	}
}

func (m *Memory) Subscribe(ctx context.Context, limit int, onSnapshot func([]store.Message)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	subCtx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = wake
	initial := m.latestLocked(limit)
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}

	go func() {
		if subCtx.Err() != nil {
			return
		}
		onSnapshot(initial)
		observability.SnapshotsDeliveredTotal.Inc()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-wake:
				m.mu.Lock()
				snapshot := m.latestLocked(limit)
				m.mu.Unlock()
				if subCtx.Err() != nil {
					return
				}
				onSnapshot(snapshot)
				observability.SnapshotsDeliveredTotal.Inc()
			}
		}
	}()
	return stop, nil
}

func (m *Memory) Create(ctx context.Context, msg store.Message) (store.Message, error) {
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}
	now := m.now().UTC()
	msg.ID = util.NewID("msg")
	msg.CreatedAt = &now
	if msg.ReplyTo != nil {
		reply := *msg.ReplyTo
		msg.ReplyTo = &reply
	}

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.notifyLocked()
	m.mu.Unlock()
	return msg, nil
}

func (m *Memory) Update(ctx context.Context, id string, patch Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID != id {
			continue
		}
		if patch.IsPinned != nil {
			m.messages[i].IsPinned = *patch.IsPinned
			m.notifyLocked()
		}
		return nil
	}
	return ErrNotFound
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			m.notifyLocked()
			return nil
		}
	}
	return nil
}

func (m *Memory) latestLocked(limit int) []store.Message {
	start := 0
	if len(m.messages) > limit {
		start = len(m.messages) - limit
	}
	out := make([]store.Message, len(m.messages)-start)
	copy(out, m.messages[start:])
	return out
}

func (m *Memory) notifyLocked() {
	for _, wake := range m.subs {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
