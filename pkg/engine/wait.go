package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// waitEntry is the registry state of one waiting plan.
type waitEntry struct {
	key       string
	confirmed bool
	satisfied bool
}

// WaitRegistry implements the two-phase wait protocol.
//
// A processor that finds its object unavailable calls SetWait, finishes its
// synchronous work and then either ClearWait (the object turned up after all)
// or ConfirmWait (it must suspend). Notifications that arrive between SetWait
// and ConfirmWait are remembered, so ConfirmWait can report that the plan
// should continue at once instead of sleeping on a wakeup that already fired.
type WaitRegistry struct {
	mu     sync.Mutex
	byPlan map[string]*waitEntry
	byKey  map[string]map[string]struct{}
}

// NewWaitRegistry creates an empty registry.
func NewWaitRegistry() *WaitRegistry {
	return &WaitRegistry{
		byPlan: make(map[string]*waitEntry),
		byKey:  make(map[string]map[string]struct{}),
	}
}

// SetWait records an unconfirmed wait of planID on key, replacing any earlier entry.
func (r *WaitRegistry) SetWait(planID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(planID)
	r.byPlan[planID] = &waitEntry{key: key}
	plans, ok := r.byKey[key]
	if !ok {
		plans = make(map[string]struct{})
		r.byKey[key] = plans
	}
	plans[planID] = struct{}{}
}

// ConfirmWait promotes the plan's entry to confirmed. It returns true when a
// notification already arrived; the entry is then removed and the caller must
// continue immediately. Without an entry it returns false.
func (r *WaitRegistry) ConfirmWait(planID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byPlan[planID]
	if !ok {
		return false
	}
	if entry.satisfied {
		r.removeLocked(planID)
		return true
	}
	entry.confirmed = true
	return false
}

// ClearWait removes the plan's entry.
func (r *WaitRegistry) ClearWait(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(planID)
}

// NotifyAvailable handles a notification for key. Confirmed waiters are
// removed and returned in plan id order for restart; unconfirmed waiters are
// marked satisfied for their upcoming ConfirmWait.
func (r *WaitRegistry) NotifyAvailable(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var restart []string
	for planID := range r.byKey[key] {
		entry := r.byPlan[planID]
		if entry.confirmed {
			restart = append(restart, planID)
			continue
		}
		entry.satisfied = true
	}
	for _, planID := range restart {
		r.removeLocked(planID)
	}
	sort.Strings(restart)
	return restart
}

// Waiting returns the key the plan waits on and whether the wait is confirmed.
func (r *WaitRegistry) Waiting(planID string) (key string, confirmed bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byPlan[planID]
	if !ok {
		return "", false, false
	}
	return entry.key, entry.confirmed, true
}

// Len returns the number of registered waits.
func (r *WaitRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPlan)
}

func (r *WaitRegistry) removeLocked(planID string) {
	entry, ok := r.byPlan[planID]
	if !ok {
		return
	}
	delete(r.byPlan, planID)
	if plans := r.byKey[entry.key]; plans != nil {
		delete(plans, planID)
		if len(plans) == 0 {
			delete(r.byKey, entry.key)
		}
	}
}

// Waiter is the wait protocol as seen by a single processing run.
type Waiter interface {
	SetWait(ctx context.Context, id, key string)
	ConfirmWait(ctx context.Context, id string) bool
	ClearWait(ctx context.Context, id string)
}

// WaitMirror persists the state of a wait; an empty key clears it.
type WaitMirror func(ctx context.Context, id, key string, confirmed bool) error

// registryWaiter applies the protocol to a registry and mirrors every change.
type registryWaiter struct {
	registry *WaitRegistry
	mirror   WaitMirror
	logger   zerolog.Logger
}

func newRegistryWaiter(registry *WaitRegistry, mirror WaitMirror, logger zerolog.Logger) *registryWaiter {
	return &registryWaiter{registry: registry, mirror: mirror, logger: logger}
}

func (w *registryWaiter) SetWait(ctx context.Context, id, key string) {
	w.registry.SetWait(id, key)
	w.persist(ctx, id, key, false)
}

func (w *registryWaiter) ConfirmWait(ctx context.Context, id string) bool {
	key, _, _ := w.registry.Waiting(id)
	if w.registry.ConfirmWait(id) {
		w.persist(ctx, id, "", false)
		return true
	}
	w.persist(ctx, id, key, true)
	return false
}

func (w *registryWaiter) ClearWait(ctx context.Context, id string) {
	w.registry.ClearWait(id)
	w.persist(ctx, id, "", false)
}

func (w *registryWaiter) persist(ctx context.Context, id, key string, confirmed bool) {
	if w.mirror == nil {
		return
	}
	if err := w.mirror(context.WithoutCancel(ctx), id, key, confirmed); err != nil {
		w.logger.Warn().Err(err).Str("plan_id", id).Msg("Failed to persist wait state")
	}
}
