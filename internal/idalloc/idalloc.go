// Package idalloc hands out small positive submission ids per scope and
// reuses ids freed by the reaper.
//
// Allocation order:
//  1. the smallest recycled id, if any
//  2. max+1 from the store while the scope is known to be dense
//  3. the smallest gap found by a full scan; the scope is marked dense when
//     the scan finds none
//
// An Allocator is an explicit component: tests construct fresh instances and
// nothing is kept in package state.
package idalloc

import (
	"context"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Store reads the ids already taken in a scope.
type Store interface {
	MaxID(ctx context.Context, scope string) (int, error)
	IDs(ctx context.Context, scope string) ([]int, error)
}

type scopeState struct {
	mu       sync.Mutex
	recycled map[int]struct{}
	dense    bool
}

// Allocator is safe for concurrent use. Scopes are independent.
type Allocator struct {
	store  Store
	scopes *xsync.MapOf[string, *scopeState]
}

// New returns an Allocator backed by store.
func New(store Store) *Allocator {
	return &Allocator{
		store:  store,
		scopes: xsync.NewMapOf[string, *scopeState](),
	}
}

func (a *Allocator) state(scope string) *scopeState {
	st, _ := a.scopes.LoadOrCompute(scope, func() *scopeState {
		return &scopeState{recycled: make(map[int]struct{})}
	})
	return st
}

// Allocate picks the next id for scope and runs commit with it while the
// scope stays locked, so no concurrent caller can pick the same id. If commit
// fails the id is not consumed. A recycled id whose commit fails is not put
// back; the scope is marked for a rescan instead, which finds the id again
// only if no row holds it.
func (a *Allocator) Allocate(ctx context.Context, scope string, commit func(id int) error) (int, error) {
	st := a.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	id, fromRecycled, err := a.pick(ctx, scope, st)
	if err != nil {
		return 0, err
	}
	if commit != nil {
		if err := commit(id); err != nil {
			if fromRecycled {
				st.dense = false
			}
			return 0, err
		}
	}
	return id, nil
}

// Next allocates without a commit step.
func (a *Allocator) Next(ctx context.Context, scope string) (int, error) {
	return a.Allocate(ctx, scope, nil)
}

// Recycle makes id available again in scope and clears the dense flag. The
// caller must know that no row holds id; Release is the safe form when the
// row is being removed concurrently with allocations.
func (a *Allocator) Recycle(scope string, id int) {
	if id <= 0 {
		return
	}
	st := a.state(scope)
	st.mu.Lock()
	st.recycled[id] = struct{}{}
	st.dense = false
	st.mu.Unlock()
}

// Release runs purge with scope locked and recycles id when purge reports
// that it removed the row holding it. Allocations in scope wait until the
// id is back in the recycled set, so none can take it while it is in flux.
func (a *Allocator) Release(scope string, id int, purge func() (bool, error)) (bool, error) {
	st := a.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	freed, err := purge()
	if err != nil || !freed {
		return freed, err
	}
	if id > 0 {
		st.recycled[id] = struct{}{}
		st.dense = false
	}
	return true, nil
}

// Reset forgets everything cached for scope.
func (a *Allocator) Reset(scope string) {
	a.scopes.Delete(scope)
}

// Dense reports whether scope is currently marked gap-free.
func (a *Allocator) Dense(scope string) bool {
	st := a.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.dense
}

// pick must be called with st.mu held.
func (a *Allocator) pick(ctx context.Context, scope string, st *scopeState) (int, bool, error) {
	if len(st.recycled) > 0 {
		lowest := 0
		for id := range st.recycled {
			if lowest == 0 || id < lowest {
				lowest = id
			}
		}
		delete(st.recycled, lowest)
		return lowest, true, nil
	}
	if st.dense {
		top, err := a.store.MaxID(ctx, scope)
		if err != nil {
			return 0, false, err
		}
		return top + 1, false, nil
	}

	ids, err := a.store.IDs(ctx, scope)
	if err != nil {
		return 0, false, err
	}
	id, dense := smallestGap(ids)
	st.dense = dense
	return id, false, nil
}

// smallestGap returns the smallest positive integer missing from ids and
// whether ids is exactly {1..max}.
func smallestGap(ids []int) (int, bool) {
	seen := make(map[int]struct{}, len(ids))
	top := 0
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		seen[id] = struct{}{}
		if id > top {
			top = id
		}
	}
	if len(seen) == top {
		return top + 1, true
	}
	sorted := make([]int, 0, len(seen))
	for id := range seen {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	want := 1
	for _, id := range sorted {
		if id != want {
			break
		}
		want++
	}
	return want, false
}
