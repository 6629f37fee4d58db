package jobs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/content-droid/internal/queue"
)

func newTestReconciler(t *testing.T, store *RedisStore, m *Manager, clock *fakeClock) *Reconciler {
	t.Helper()
	r, err := NewReconciler(store, m, ReconcilerOptions{
		PendingTimeout:    15 * time.Minute,
		InProgressTimeout: time.Hour,
	}, zerolog.New(io.Discard))
	require.NoError(t, err)
	r.now = clock.Now
	return r
}

func TestReconcilerRepublishesStalePendingJobs(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := &fakeClock{now: testEpoch}
	store.now = clock.Now
	publisher := &fakePublisher{}
	m := newTestManager(t, store, publisher)
	r := newTestReconciler(t, store, m, clock)
	ctx := context.Background()

	id, err := m.Submit(ctx, Params{Prompt: "p"})
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Republished: 1}, stats)
	require.Len(t, publisher.Published(), 2)
	assert.Equal(t, id, publisher.Published()[1].ID)

	job, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.True(t, clock.Now().Equal(job.UpdatedAt), "updatedAt = %s", job.UpdatedAt)

	// 直後の実行では再投入しない
	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{}, stats)
}

func TestReconcilerFailsLongPendingJobs(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := &fakeClock{now: testEpoch}
	store.now = clock.Now
	m := newTestManager(t, store, &fakePublisher{})
	r := newTestReconciler(t, store, m, clock)
	ctx := context.Background()

	id, err := m.Submit(ctx, Params{Prompt: "p"})
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	snap, err := m.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, ErrorCodePendingTimeout, snap.ErrorCode)
}

func TestReconcilerFailsWhenRepublishFailsDefinitively(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := &fakeClock{now: testEpoch}
	store.now = clock.Now
	publisher := &fakePublisher{}
	m := newTestManager(t, store, publisher)
	r := newTestReconciler(t, store, m, clock)
	ctx := context.Background()

	id, err := m.Submit(ctx, Params{Prompt: "p"})
	require.NoError(t, err)

	publisher.errs = []error{&queue.PublishError{Op: "amqp publish", Err: queue.ErrClosed}}
	clock.Advance(16 * time.Minute)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Failed: 1}, stats)

	snap, err := m.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeEnqueueFailed, snap.ErrorCode)
}

func TestReconcilerKeepsJobStartedDuringRepublish(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := &fakeClock{now: testEpoch}
	store.now = clock.Now
	publisher := &fakePublisher{}
	m := newTestManager(t, store, publisher)
	r := newTestReconciler(t, store, m, clock)
	ctx := context.Background()

	id, err := m.Submit(ctx, Params{Prompt: "cat playing piano"})
	require.NoError(t, err)

	// 最初の配信を受け取ったワーカーが、再投入の失敗より先に start を送る
	publisher.errs = []error{&queue.PublishError{Op: "amqp publish", Err: queue.ErrClosed}}
	publisher.onPublish = func(attempt int, msg queue.Message) {
		if attempt == 2 {
			_, err := store.ApplyUpdate(ctx, msg.ID, Start())
			require.NoError(t, err)
		}
	}
	clock.Advance(16 * time.Minute)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{}, stats)

	job, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, job.Status)
	assert.Empty(t, job.ErrorCode)

	_, err = m.ApplyUpdate(ctx, id, Complete("s3://videos/cat.mp4"))
	require.NoError(t, err)
	location, err := m.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s3://videos/cat.mp4", location)
}

func TestReconcilerPendingTimeoutSkipsStartedJobs(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := &fakeClock{now: testEpoch}
	store.now = clock.Now
	m := newTestManager(t, store, &fakePublisher{})
	r := newTestReconciler(t, store, m, clock)
	ctx := context.Background()

	id, err := m.Submit(ctx, Params{Prompt: "p"})
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	stale, err := store.ListStale(ctx, StatusPending, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	_, err = store.ApplyUpdate(ctx, id, Start())
	require.NoError(t, err)

	assert.False(t, r.fail(ctx, stale[0], abandon(ErrorCodePendingTimeout, "late")))
	job, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, job.Status)
}

func TestReconcilerFailsSilentWorkers(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := &fakeClock{now: testEpoch}
	store.now = clock.Now
	m := newTestManager(t, store, &fakePublisher{})
	r := newTestReconciler(t, store, m, clock)
	ctx := context.Background()

	stuck, err := m.Submit(ctx, Params{Prompt: "stuck"})
	require.NoError(t, err)
	_, err = m.ApplyUpdate(ctx, stuck, Start())
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	active, err := m.Submit(ctx, Params{Prompt: "active"})
	require.NoError(t, err)
	_, err = m.ApplyUpdate(ctx, active, Start())
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	snap, err := m.Status(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, ErrorCodeWorkerTimeout, snap.ErrorCode)

	snap, err = m.Status(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, snap.Status)
}

func TestReconcilerRunStopsWithContext(t *testing.T) {
	store, _ := newTestRedisStore(t)
	m := newTestManager(t, store, &fakePublisher{})
	r := newTestReconciler(t, store, m, &fakeClock{now: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestNewReconcilerRejectsBadSchedule(t *testing.T) {
	store, _ := newTestRedisStore(t)
	m := newTestManager(t, store, &fakePublisher{})

	_, err := NewReconciler(store, m, ReconcilerOptions{Schedule: "every now and then"}, zerolog.New(io.Discard))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStorage))
}
