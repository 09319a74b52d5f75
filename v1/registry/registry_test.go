package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := newFakeClock()
	return New(WithClock(clk.Now)), clk
}

func messages(ns []Notification) map[ConnID][]string {
	out := make(map[ConnID][]string)
	for _, n := range ns {
		out[n.Conn] = append(out[n.Conn], n.Message)
	}
	return out
}

func TestAcquireFreshKey(t *testing.T) {
	r, clk := newTestRegistry()
	a := NewConnID()

	res, err := r.Acquire("foo", NoSubKey, a, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res.Status)
	assert.Equal(t, clk.Now().Add(5*time.Second), res.Deadline)

	v, ok := r.Inspect("foo")
	require.True(t, ok)
	assert.Equal(t, KindLock, v.Kind)
	assert.True(t, v.Owned)
	assert.Equal(t, a, v.Owner)
	assert.Empty(t, v.Waiters)
}

func TestAcquireContendedQueuesWithRemaining(t *testing.T) {
	r, clk := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, err := r.Acquire("foo", NoSubKey, a, 5*time.Second)
	require.NoError(t, err)
	clk.Advance(time.Second)

	res, err := r.Acquire("foo", NoSubKey, b, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Queued, res.Status)
	assert.Equal(t, 4*time.Second, res.Remaining)

	v, _ := r.Inspect("foo")
	assert.Equal(t, a, v.Owner)
	assert.ElementsMatch(t, []SubKey{NoSubKey}, v.Waiters[b])
}

func TestAcquireSameOwnerDifferentSubKeyQueues(t *testing.T) {
	r, _ := newTestRegistry()
	a := NewConnID()

	res, err := r.Acquire("bar", Sub(1), a, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, Acquired, res.Status)

	res, err = r.Acquire("bar", Sub(2), a, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Queued, res.Status)
	assert.Equal(t, 2*time.Second, res.Remaining)

	v, _ := r.Inspect("bar")
	assert.Equal(t, Sub(1), v.SubKey)
	assert.ElementsMatch(t, []SubKey{Sub(2)}, v.Waiters[a])
}

func TestNoSubKeyDistinctFromZero(t *testing.T) {
	r, _ := newTestRegistry()
	a := NewConnID()

	_, err := r.Acquire("k", NoSubKey, a, time.Second)
	require.NoError(t, err)
	res, err := r.Acquire("k", Sub(0), a, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Queued, res.Status)

	_, err = r.Release("k", Sub(0), a)
	assert.ErrorIs(t, err, warperrors.ErrNotOwned)
}

func TestRefreshExtendsLeaseMonotonically(t *testing.T) {
	r, clk := newTestRegistry()
	a := NewConnID()

	first, err := r.Acquire("foo", Sub(7), a, 5*time.Second)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	second, err := r.Acquire("foo", Sub(7), a, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Refreshed, second.Status)
	assert.True(t, second.Deadline.After(first.Deadline))

	v, _ := r.Inspect("foo")
	assert.Equal(t, a, v.Owner)
	assert.Equal(t, second.Deadline, v.Deadline)
}

func TestLazyExpiryLetsNextAcquirerIn(t *testing.T) {
	r, clk := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, err := r.Acquire("foo", NoSubKey, a, time.Second)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	v, ok := r.Inspect("foo")
	require.True(t, ok, "expired lock stays until touched")
	assert.Equal(t, a, v.Owner)

	res, err := r.Acquire("foo", NoSubKey, b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res.Status)

	v, _ = r.Inspect("foo")
	assert.Equal(t, b, v.Owner)

	_, err = r.Release("foo", NoSubKey, a)
	assert.ErrorIs(t, err, warperrors.ErrNotOwned)
}

func TestAcquireAfterWaitingDropsWaitEntry(t *testing.T) {
	r, clk := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, _ = r.Acquire("foo", NoSubKey, a, time.Second)
	_, _ = r.Acquire("foo", NoSubKey, b, time.Second)
	_, _ = r.Acquire("foo", Sub(3), b, time.Second)

	clk.Advance(2 * time.Second)
	res, err := r.Acquire("foo", NoSubKey, b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res.Status)

	v, _ := r.Inspect("foo")
	assert.ElementsMatch(t, []SubKey{Sub(3)}, v.Waiters[b])
}

func TestReleaseNotifiesWaitersWithoutPromotion(t *testing.T) {
	r, _ := newTestRegistry()
	a, b, c := NewConnID(), NewConnID(), NewConnID()

	_, _ = r.Acquire("foo", NoSubKey, a, 5*time.Second)
	_, _ = r.Acquire("foo", NoSubKey, b, 5*time.Second)
	_, _ = r.Acquire("foo", Sub(4), c, 5*time.Second)

	res, err := r.Release("foo", NoSubKey, a)
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.False(t, res.Participating)

	got := messages(res.Notifications)
	assert.Equal(t, []string{"UNLOCKED foo"}, got[b])
	assert.Equal(t, []string{"UNLOCKED foo [sub_key=4]"}, got[c])
	assert.NotContains(t, got, a)

	v, ok := r.Inspect("foo")
	require.True(t, ok)
	assert.False(t, v.Owned)
	assert.Len(t, v.Waiters, 2)
}

func TestReleaseWithoutWaitersRemovesKey(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, _ = r.Acquire("foo", NoSubKey, a, time.Second)
	res, err := r.Release("foo", NoSubKey, a)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Empty(t, res.Notifications)
	assert.Equal(t, 0, r.Len())

	// A released key behaves as if it never existed.
	require.NoError(t, r.Subscribe("foo", b))
	v, _ := r.Inspect("foo")
	assert.Equal(t, KindChannel, v.Kind)
}

func TestReleaseErrors(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, err := r.Release("missing", NoSubKey, a)
	assert.ErrorIs(t, err, warperrors.ErrNotFound)

	_, _ = r.Acquire("foo", Sub(1), a, time.Second)
	_, err = r.Release("foo", Sub(1), b)
	assert.ErrorIs(t, err, warperrors.ErrNotOwned)
	_, err = r.Release("foo", Sub(2), a)
	assert.ErrorIs(t, err, warperrors.ErrNotOwned)

	require.NoError(t, r.Subscribe("chan", a))
	_, err = r.Release("chan", NoSubKey, a)
	assert.ErrorIs(t, err, warperrors.ErrTypeMismatch)

	v, _ := r.Inspect("foo")
	assert.Equal(t, a, v.Owner)
}

func TestReleaseReportsRemainingParticipation(t *testing.T) {
	r, _ := newTestRegistry()
	a := NewConnID()

	_, _ = r.Acquire("bar", Sub(1), a, time.Second)
	_, _ = r.Acquire("bar", Sub(2), a, time.Second)

	res, err := r.Release("bar", Sub(1), a)
	require.NoError(t, err)
	assert.True(t, res.Participating)
	assert.Equal(t, []string{"UNLOCKED bar [sub_key=2]"}, messages(res.Notifications)[a])
}

func TestTypeImmutability(t *testing.T) {
	r, clk := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, _ = r.Acquire("lock", NoSubKey, a, time.Second)
	require.NoError(t, r.Subscribe("chan", b))
	before, _ := r.Inspect("lock")

	assert.ErrorIs(t, r.Subscribe("lock", b), warperrors.ErrTypeMismatch)
	_, err := r.Publish("lock", "hi")
	assert.ErrorIs(t, err, warperrors.ErrTypeMismatch)
	assert.ErrorIs(t, r.Unsubscribe("lock", a), warperrors.ErrTypeMismatch)

	clk.Advance(5 * time.Second)
	_, err = r.Acquire("chan", NoSubKey, a, time.Second)
	assert.ErrorIs(t, err, warperrors.ErrTypeMismatch)

	after, _ := r.Inspect("lock")
	assert.Equal(t, before, after)
	ch, _ := r.Inspect("chan")
	assert.False(t, ch.Owned)
	assert.Len(t, ch.Waiters, 1)
}

func TestSubscribePublish(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, err := r.Publish("nosuch", "hi")
	assert.ErrorIs(t, err, warperrors.ErrNotFound)
	assert.Equal(t, 0, r.Len())

	require.NoError(t, r.Subscribe("chan1", a))
	require.NoError(t, r.Subscribe("chan1", a))
	require.NoError(t, r.Subscribe("chan1", b))

	ns, err := r.Publish("chan1", "hello")
	require.NoError(t, err)
	require.Len(t, ns, 2)
	got := messages(ns)
	assert.Equal(t, []string{"CHANNEL chan1 hello"}, got[a])
	assert.Equal(t, []string{"CHANNEL chan1 hello"}, got[b])
}

func TestUnsubscribe(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	assert.ErrorIs(t, r.Unsubscribe("chan", a), warperrors.ErrNotFound)
	require.NoError(t, r.Subscribe("chan", a))
	assert.ErrorIs(t, r.Unsubscribe("chan", b), warperrors.ErrNotSubscribed)
	require.NoError(t, r.Unsubscribe("chan", a))
	assert.Equal(t, 0, r.Len())
}

func TestDisconnectReleasesOwnedLock(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, _ = r.Acquire("foo", NoSubKey, a, 5*time.Second)
	_, _ = r.Acquire("foo", Sub(9), b, 5*time.Second)

	res := r.Disconnect(a, []string{"foo"})
	assert.Equal(t, []string{"foo"}, res.Released)
	assert.Equal(t, []string{"UNLOCKED foo [sub_key=9]"}, messages(res.Notifications)[b])

	v, ok := r.Inspect("foo")
	require.True(t, ok)
	assert.False(t, v.Owned)
}

func TestDisconnectDrainsLastSubscriber(t *testing.T) {
	r, _ := newTestRegistry()
	a := NewConnID()

	require.NoError(t, r.Subscribe("chan1", a))
	res := r.Disconnect(a, []string{"chan1"})
	assert.Equal(t, []string{"chan1"}, res.Left)
	assert.Empty(t, res.Notifications)
	assert.Equal(t, 0, r.Len())

	_, err := r.Publish("chan1", "x")
	assert.ErrorIs(t, err, warperrors.ErrNotFound)
}

func TestDisconnectWaiterLeavesOtherOwnerAlone(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, _ = r.Acquire("foo", NoSubKey, a, 5*time.Second)
	_, _ = r.Acquire("foo", NoSubKey, b, 5*time.Second)

	res := r.Disconnect(b, []string{"foo"})
	assert.Empty(t, res.Notifications)
	assert.Empty(t, res.Released)
	assert.Equal(t, []string{"foo"}, res.Left)

	v, _ := r.Inspect("foo")
	assert.Equal(t, a, v.Owner)
	assert.Empty(t, v.Waiters)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, _ = r.Acquire("foo", NoSubKey, a, 5*time.Second)
	_, _ = r.Acquire("foo", NoSubKey, b, 5*time.Second)
	require.NoError(t, r.Subscribe("chan", a))

	first := r.Disconnect(a, []string{"chan", "foo", "unknown"})
	assert.Len(t, first.Notifications, 1)

	var second DisconnectResult
	assert.NotPanics(t, func() { second = r.Disconnect(a, []string{"chan", "foo", "unknown"}) })
	assert.Empty(t, second.Notifications)
	assert.Empty(t, second.Released)
	assert.Empty(t, second.Left)
	assert.Equal(t, 1, r.Len())
}

func TestStats(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := NewConnID(), NewConnID()

	_, _ = r.Acquire("l1", NoSubKey, a, time.Second)
	_, _ = r.Acquire("l1", Sub(1), b, time.Second)
	_, _ = r.Acquire("l1", Sub(2), b, time.Second)
	require.NoError(t, r.Subscribe("c1", a))
	require.NoError(t, r.Subscribe("c1", b))

	assert.Equal(t, Stats{Locks: 1, Owned: 1, Channels: 1, Waiters: 4}, r.Stats())
}

func TestMutualExclusionUnderContention(t *testing.T) {
	r := New()
	const workers = 32
	var owners atomic.Int32
	var maxOwners atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := NewConnID()
			for j := 0; j < 200; j++ {
				res, err := r.Acquire("shared", NoSubKey, conn, time.Minute)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if res.Status != Acquired {
					continue
				}
				n := owners.Add(1)
				for {
					m := maxOwners.Load()
					if n <= m || maxOwners.CompareAndSwap(m, n) {
						break
					}
				}
				owners.Add(-1)
				if _, err := r.Release("shared", NoSubKey, conn); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
			r.Disconnect(conn, []string{"shared"})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxOwners.Load())
	assert.Equal(t, 0, r.Len())
}

func ExampleRegistry_Acquire() {
	r := New()
	a, b := NewConnID(), NewConnID()

	res, _ := r.Acquire("job", NoSubKey, a, time.Minute)
	fmt.Println(res.Status)
	res, _ = r.Acquire("job", NoSubKey, b, time.Minute)
	fmt.Println(res.Status)
	rel, _ := r.Release("job", NoSubKey, a)
	fmt.Println(rel.Notifications[0].Message)
	// Output:
	// acquired
	// queued
	// UNLOCKED job
}
