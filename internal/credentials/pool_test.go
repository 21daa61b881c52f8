package credentials

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ArticleRelay/internal/domain"
)

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

func newTestPool(clock *fakeClock, threshold int) *Pool {
	return NewPool(Config{
		FailureThreshold: threshold,
		BaseCooldown:     time.Minute,
		QuotaCooldown:    time.Hour,
		MaxCooldown:      10 * time.Minute,
		Now:              clock.Now,
	}, map[string][]Credential{
		"sports": {{Name: "k1", Key: "key-1"}, {Name: "k2", Key: "key-2"}, {Name: "k3", Key: "key-3"}},
		"tech":   {{Name: "t1", Key: "key-t1"}},
	})
}

func TestAcquireRoundRobin(t *testing.T) {
	t.Parallel()
	pool := newTestPool(&fakeClock{now: time.Now()}, 0)

	var names []string
	for i := 0; i < 4; i++ {
		e, err := pool.Acquire("sports")
		require.NoError(t, err)
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"k1", "k2", "k3", "k1"}, names)
}

func TestPermanentCredentialDisablesEntries(t *testing.T) {
	t.Parallel()
	pool := newTestPool(&fakeClock{now: time.Now()}, 5)

	for i := 0; i < 2; i++ {
		e, err := pool.Acquire("sports")
		require.NoError(t, err)
		pool.ReportFailure(e, domain.KindPermanentCredential)
	}

	e, err := pool.Acquire("sports")
	require.NoError(t, err)
	require.Equal(t, "k3", e.Name)
	pool.ReportSuccess(e)

	snap := pool.Snapshot("sports")
	require.True(t, snap[0].Disabled)
	require.True(t, snap[1].Disabled)
	require.True(t, snap[0].CooledDownUntil.IsZero())
	require.False(t, snap[2].Disabled)
}

func TestCooldownAfterThreshold(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(clock, 1)

	e, err := pool.Acquire("tech")
	require.NoError(t, err)

	pool.ReportFailure(e, domain.KindTransient)
	require.Equal(t, 1, pool.AvailableCount("tech"))

	pool.ReportFailure(e, domain.KindRateLimited)
	snap := pool.Snapshot("tech")
	require.Equal(t, clock.now.Add(time.Minute), snap[0].CooledDownUntil)

	_, err = pool.Acquire("tech")
	require.ErrorIs(t, err, ErrNoneAvailable)

	pool.ReportFailure(e, domain.KindRateLimited)
	require.Equal(t, clock.now.Add(2*time.Minute), pool.Snapshot("tech")[0].CooledDownUntil)

	clock.Advance(2 * time.Minute)
	got, err := pool.Acquire("tech")
	require.NoError(t, err)
	require.Equal(t, "t1", got.Name)

	pool.ReportSuccess(got)
	snap = pool.Snapshot("tech")
	require.Zero(t, snap[0].ConsecutiveFailures)
	require.True(t, snap[0].CooledDownUntil.IsZero())
}

func TestQuotaCooldownIsCapped(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Now()}
	pool := newTestPool(clock, 0)

	e, err := pool.Acquire("tech")
	require.NoError(t, err)
	pool.ReportFailure(e, domain.KindQuotaExhausted)

	require.Equal(t, clock.now.Add(10*time.Minute), pool.Snapshot("tech")[0].CooledDownUntil)
}

func TestExhaustedGroupDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	pool := newTestPool(&fakeClock{now: time.Now()}, 0)

	for _, e := range pool.Snapshot("sports") {
		pool.ReportFailure(e, domain.KindPermanentCredential)
	}

	_, err := pool.Acquire("sports")
	require.ErrorIs(t, err, ErrNoneAvailable)

	_, err = pool.Acquire("missing")
	require.ErrorIs(t, err, ErrNoneAvailable)

	_, err = pool.Acquire("tech")
	require.NoError(t, err)
}

func TestConcurrentAcquireAndReport(t *testing.T) {
	t.Parallel()
	pool := newTestPool(&fakeClock{now: time.Now()}, 100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := pool.Acquire("sports")
			if err != nil {
				return
			}
			pool.ReportFailure(e, domain.KindTransient)
			pool.ReportSuccess(e)
		}()
	}
	wg.Wait()

	require.Equal(t, 3, pool.AvailableCount("sports"))
}

func TestRecoversInReportsEarliestCooldown(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Now()}
	pool := newTestPool(clock, 0)

	wait, ok := pool.RecoversIn("tech")
	require.True(t, ok)
	require.Zero(t, wait)

	e, err := pool.Acquire("tech")
	require.NoError(t, err)
	pool.ReportFailure(e, domain.KindRateLimited)
	clock.Advance(20 * time.Second)

	wait, ok = pool.RecoversIn("tech")
	require.True(t, ok)
	require.Equal(t, 40*time.Second, wait)

	pool.ReportFailure(e, domain.KindPermanentCredential)
	_, ok = pool.RecoversIn("tech")
	require.False(t, ok)

	_, ok = pool.RecoversIn("missing")
	require.False(t, ok)
}
