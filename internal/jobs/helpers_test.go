package jobs

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/content-droid/internal/queue"
)

// fakePublisher は errs を先頭から1つずつ返し、尽きたら成功します。
// onPublish は結果を返す前に呼ばれます。
type fakePublisher struct {
	mu        sync.Mutex
	errs      []error
	attempts  int
	published []queue.Message
	closed    bool
	onPublish func(attempt int, msg queue.Message)
}

func (p *fakePublisher) Publish(ctx context.Context, msg queue.Message) error {
	p.mu.Lock()
	attempt := p.attempts + 1
	hook := p.onPublish
	p.mu.Unlock()
	if hook != nil {
		hook(attempt, msg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) Published() []queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Message(nil), p.published...)
}

// fakeClock はテストから進められる時計です。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, 0), mr
}

func newTestManager(t *testing.T, store Store, publisher *fakePublisher) *Manager {
	t.Helper()
	m, err := NewManager(store, publisher, zerolog.New(io.Discard), ManagerOptions{PublishMaxAttempts: 3})
	require.NoError(t, err)
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}
