package guildkeeper

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// testClock is a settable clock for time-dependent tests
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEconomy(t *testing.T, clock *testClock, roll int) *Economy {
	t.Helper()
	e := NewEconomy(newTestDBI(t))
	e.clock = clock.Now
	e.intN = func(n int) int {
		if roll >= n {
			t.Fatalf("roll %d out of range [0,%d)", roll, n)
		}
		return roll
	}
	return e
}

func TestEconomy_Balance(t *testing.T) {
	ctx := context.Background()
	e := newTestEconomy(t, newTestClock(time.Now()), 0)

	bal, err := e.Balance(ctx, "1", "2")
	require.NoError(t, err)
	assert.Zero(t, bal)

	// second lookup reuses the entry
	bal, err = e.Balance(ctx, "1", "2")
	require.NoError(t, err)
	assert.Zero(t, bal)

	var ct int64
	require.NoError(t, e.db.DB().Model(&LedgerEntry{}).Count(&ct).Error)
	assert.Equal(t, int64(1), ct)
}

func TestEconomy_ClaimDaily(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	e := newTestEconomy(t, clock, 150)

	claim, err := e.ClaimDaily(ctx, "1", "2")
	require.NoError(t, err)
	assert.True(t, claim.Granted)
	assert.Equal(t, int64(DailyRewardMin+150), claim.Reward)
	assert.Equal(t, int64(250), claim.Balance)
	assert.Zero(t, claim.RemainingHours())

	clock.Advance(90 * time.Minute)
	claim, err = e.ClaimDaily(ctx, "1", "2")
	require.NoError(t, err)
	assert.False(t, claim.Granted)
	assert.Zero(t, claim.Reward)
	assert.Equal(t, int64(250), claim.Balance)
	assert.Equal(t, 22*time.Hour+30*time.Minute, claim.Remaining)
	assert.Equal(t, 23, claim.RemainingHours())

	// the window is rolling, not tied to the calendar day
	clock.Advance(22 * time.Hour)
	claim, err = e.ClaimDaily(ctx, "1", "2")
	require.NoError(t, err)
	assert.False(t, claim.Granted)
	assert.Equal(t, 1, claim.RemainingHours())

	clock.Advance(30 * time.Minute)
	claim, err = e.ClaimDaily(ctx, "1", "2")
	require.NoError(t, err)
	assert.True(t, claim.Granted)
	assert.Equal(t, int64(500), claim.Balance)

	bal, err := e.Balance(ctx, "1", "2")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	// balances are per server
	bal, err = e.Balance(ctx, "other", "2")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestEconomy_RewardRange(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(time.Now())

	e := newTestEconomy(t, clock, 0)
	claim, err := e.ClaimDaily(ctx, "1", "min")
	require.NoError(t, err)
	assert.Equal(t, int64(DailyRewardMin), claim.Reward)

	e = newTestEconomy(t, clock, DailyRewardMax-DailyRewardMin)
	claim, err = e.ClaimDaily(ctx, "1", "max")
	require.NoError(t, err)
	assert.Equal(t, int64(DailyRewardMax), claim.Reward)
}

func TestDailyClaim_RemainingHours(t *testing.T) {
	assert.Equal(t, 1, DailyClaim{Remaining: time.Second}.RemainingHours())
	assert.Equal(t, 1, DailyClaim{}.RemainingHours())
	assert.Equal(t, 2, DailyClaim{Remaining: time.Hour + time.Minute}.RemainingHours())
	assert.Equal(t, 0, DailyClaim{Granted: true, Remaining: time.Hour}.RemainingHours())
}
