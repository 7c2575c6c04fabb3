package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitRegistryConfirmThenNotify(t *testing.T) {
	r := NewWaitRegistry()

	r.SetWait("plan-1", "urn:a")
	assert.False(t, r.ConfirmWait("plan-1"))

	key, confirmed, ok := r.Waiting("plan-1")
	require.True(t, ok)
	assert.Equal(t, "urn:a", key)
	assert.True(t, confirmed)

	assert.Equal(t, []string{"plan-1"}, r.NotifyAvailable("urn:a"))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.NotifyAvailable("urn:a"))
}

func TestWaitRegistryNotifyBetweenSetAndConfirm(t *testing.T) {
	r := NewWaitRegistry()

	r.SetWait("plan-1", "urn:a")
	assert.Empty(t, r.NotifyAvailable("urn:a"), "unconfirmed waiters are not restarted")

	assert.True(t, r.ConfirmWait("plan-1"), "the notification must not be lost")
	_, _, ok := r.Waiting("plan-1")
	assert.False(t, ok)
}

func TestWaitRegistryClear(t *testing.T) {
	r := NewWaitRegistry()

	r.SetWait("plan-1", "urn:a")
	r.ClearWait("plan-1")
	assert.False(t, r.ConfirmWait("plan-1"))
	assert.Empty(t, r.NotifyAvailable("urn:a"))
}

func TestWaitRegistrySetReplacesKey(t *testing.T) {
	r := NewWaitRegistry()

	r.SetWait("plan-1", "urn:a")
	r.SetWait("plan-1", "token-1")
	r.ConfirmWait("plan-1")

	assert.Empty(t, r.NotifyAvailable("urn:a"))
	assert.Equal(t, []string{"plan-1"}, r.NotifyAvailable("token-1"))
}

func TestWaitRegistryRestartsInPlanOrder(t *testing.T) {
	r := NewWaitRegistry()

	for _, id := range []string{"plan-c", "plan-a", "plan-b"} {
		r.SetWait(id, "urn:shared")
		r.ConfirmWait(id)
	}
	r.SetWait("plan-d", "urn:shared")

	assert.Equal(t, []string{"plan-a", "plan-b", "plan-c"}, r.NotifyAvailable("urn:shared"))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.ConfirmWait("plan-d"))
}

func TestWaitRegistryConcurrentNotifications(t *testing.T) {
	r := NewWaitRegistry()
	const plans = 50

	var mu sync.Mutex
	restarts := make(map[string]int)
	restart := func(ids ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids {
			restarts[id]++
		}
	}

	stop := make(chan struct{})
	var noise sync.WaitGroup
	for n := 0; n < 4; n++ {
		noise.Add(1)
		go func(n int) {
			defer noise.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				restart(r.NotifyAvailable(fmt.Sprintf("urn:other:%d:%d", n, i%7))...)
			}
		}(n)
	}

	var wg sync.WaitGroup
	for i := 0; i < plans; i++ {
		id, key := fmt.Sprintf("plan-%d", i), fmt.Sprintf("urn:obj:%d", i)
		set := make(chan struct{})

		wg.Add(2)
		go func() {
			defer wg.Done()
			r.SetWait(id, key)
			close(set)
			if r.ConfirmWait(id) {
				restart(id)
			}
		}()
		go func() {
			defer wg.Done()
			<-set
			restart(r.NotifyAvailable(key)...)
		}()
	}
	wg.Wait()
	close(stop)
	noise.Wait()

	require.Len(t, restarts, plans)
	for id, n := range restarts {
		assert.Equal(t, 1, n, "%s restarted %d times", id, n)
	}
	assert.Equal(t, 0, r.Len())
}
