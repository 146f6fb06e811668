package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agentcrew/internal/clock"
)

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *clock.Fake) {
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(Config{Workers: 2, QueueSize: 10}, c, zerolog.Nop(), opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, c
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSchedule_RunsAfterDelay(t *testing.T) {
	s, c := newTestScheduler(t)
	ran := make(chan struct{})
	job := s.Schedule("qa", 2*time.Second, func(context.Context) error {
		close(ran)
		return nil
	})

	assert.Equal(t, JobScheduled, job.Snapshot().Status)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	select {
	case <-ran:
		t.Fatal("job ran before its delay")
	case <-time.After(20 * time.Millisecond):
	}

	c.Advance(time.Second)
	require.NoError(t, job.Wait(waitCtx(t)))
	info := job.Snapshot()
	assert.Equal(t, JobCompleted, info.Status)
	assert.NotNil(t, info.StartedAt)
	assert.NotNil(t, info.FinishedAt)
}

func TestSchedule_DelaysOrderExecution(t *testing.T) {
	s, c := newTestScheduler(t)
	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	late := s.Schedule("late", 3*time.Second, record("late"))
	early := s.Schedule("early", time.Second, record("early"))

	c.Advance(time.Second)
	require.NoError(t, early.Wait(waitCtx(t)))
	c.Advance(2 * time.Second)
	require.NoError(t, late.Wait(waitCtx(t)))

	assert.Equal(t, []string{"early", "late"}, order)
}

func TestSchedule_ErrorAndPanicAreContained(t *testing.T) {
	var observed []JobStatus
	var mu sync.Mutex
	s, c := newTestScheduler(t, WithObserver(func(info JobInfo, _ time.Duration) {
		mu.Lock()
		observed = append(observed, info.Status)
		mu.Unlock()
	}))
	boom := errors.New("boom")

	failing := s.Schedule("fail", 0, func(context.Context) error { return boom })
	panicking := s.Schedule("panic", 0, func(context.Context) error { panic("kaboom") })
	fine := s.Schedule("fine", 0, func(context.Context) error { return nil })
	c.Advance(0)

	ctx := waitCtx(t)
	assert.ErrorIs(t, failing.Wait(ctx), boom)
	err := panicking.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.NoError(t, fine.Wait(ctx))

	require.NoError(t, s.Wait(ctx))
	stats := s.Stats()
	assert.Equal(t, int64(3), stats.Scheduled)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(0), stats.Pending)
	mu.Lock()
	assert.Len(t, observed, 3)
	mu.Unlock()
}

func TestWait_HonoursContext(t *testing.T) {
	s, _ := newTestScheduler(t)
	job := s.Schedule("never", time.Hour, func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, job.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1.0, s.QueueDepth())
}

func TestStop_AbandonsUnfiredJobs(t *testing.T) {
	c := clock.NewFake(time.Now())
	s := New(Config{Workers: 1}, c, zerolog.Nop())
	s.Start(context.Background())

	job := s.Schedule("never", time.Hour, func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, job.Wait(waitCtx(t)), ErrStopped)
	assert.Equal(t, JobFailed, job.Snapshot().Status)

	late := s.Schedule("late", 0, func(context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(waitCtx(t)), ErrStopped)
}

func TestStop_AbandonsQueuedJobs(t *testing.T) {
	c := clock.NewFake(time.Now())
	s := New(Config{Workers: 1, QueueSize: 4}, c, zerolog.Nop())
	s.Start(context.Background())

	started := make(chan struct{})
	busy := s.Schedule("busy", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	var ran bool
	queued := s.Schedule("queued", 0, func(context.Context) error {
		ran = true
		return nil
	})
	require.Eventually(t, func() bool { return s.Stats().QueueLen == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, busy.Wait(waitCtx(t)), context.Canceled)
	assert.ErrorIs(t, queued.Wait(waitCtx(t)), ErrStopped)
	assert.False(t, ran)
	assert.Equal(t, JobFailed, queued.Snapshot().Status)
	assert.Zero(t, s.Stats().Pending)
	assert.NoError(t, s.Wait(waitCtx(t)))
}

func TestStop_DrainsRunningJobs(t *testing.T) {
	c := clock.NewFake(time.Now())
	s := New(Config{Workers: 1}, c, zerolog.Nop())
	s.Start(context.Background())

	release := make(chan struct{})
	job := s.Schedule("slow", 0, func(context.Context) error {
		<-release
		return nil
	})
	c.Advance(0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Equal(t, JobCompleted, job.Snapshot().Status)
}

func TestWait_NoJobsReturnsImmediately(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.NoError(t, s.Wait(context.Background()))
}
