package campaign

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ListSynchronizer keeps each list's cached contact_count equal to the
// ground-truth membership count. It recomputes by direct COUNT rather
// than increment/decrement, so partial failures can never leave drift
// behind — at worst a recount runs again.
type ListSynchronizer struct {
	store *Store

	// Recounts for one list are serialized so concurrent writers
	// converge on the count reflecting the last mutation.
	locks sync.Map // map[uuid.UUID]*sync.Mutex
}

// RecountResult reports one list's count correction
type RecountResult struct {
	ListID   uuid.UUID `json:"list_id"`
	OldCount int       `json:"old_count"`
	NewCount int       `json:"new_count"`
}

// NewListSynchronizer creates a list synchronizer
func NewListSynchronizer(store *Store) *ListSynchronizer {
	return &ListSynchronizer{store: store}
}

func (ls *ListSynchronizer) lockFor(listID uuid.UUID) *sync.Mutex {
	mu, _ := ls.locks.LoadOrStore(listID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Recount recomputes one list's contact count from ground truth and
// stores it. Returns the fresh count.
func (ls *ListSynchronizer) Recount(ctx context.Context, listID uuid.UUID) (int, error) {
	mu := ls.lockFor(listID)
	mu.Lock()
	defer mu.Unlock()

	count, err := ls.store.CountListMembers(ctx, listID)
	if err != nil {
		return 0, fmt.Errorf("count members of %s: %w", listID, err)
	}
	if err := ls.store.SetListContactCount(ctx, listID, count); err != nil {
		return 0, fmt.Errorf("store count for %s: %w", listID, err)
	}
	return count, nil
}

// RecountAll recounts every id in the given set. Invoked after any
// membership mutation with the symmetric difference of old and new
// membership sets, so lists a contact left are corrected too.
func (ls *ListSynchronizer) RecountAll(ctx context.Context, listIDs []uuid.UUID) error {
	// Request payloads may name the same list twice; count it once.
	for _, id := range UnionDiff(listIDs, nil) {
		if _, err := ls.Recount(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RecalculateAll audits every list. Drift is corrected silently and
// logged as a consistency repair; it is never surfaced to callers as an
// error. Returns one result per list that changed.
func (ls *ListSynchronizer) RecalculateAll(ctx context.Context) ([]RecountResult, error) {
	ids, err := ls.store.GetListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load list ids: %w", err)
	}

	var results []RecountResult
	for _, id := range ids {
		list, err := ls.store.GetList(ctx, id)
		if err != nil {
			return results, err
		}
		if list == nil {
			continue
		}

		newCount, err := ls.Recount(ctx, id)
		if err != nil {
			return results, err
		}
		if newCount != list.ContactCount {
			drift := &ConsistencyError{ListID: id, Cached: list.ContactCount, Actual: newCount}
			log.Printf("[ListSync] corrected: %v", drift)
			results = append(results, RecountResult{
				ListID:   id,
				OldCount: list.ContactCount,
				NewCount: newCount,
			})
		}
	}
	return results, nil
}

// SymmetricDiff returns the ids present in exactly one of the two sets.
// Membership changes recount every list in this set, not only the ids
// named in the request.
func SymmetricDiff(a, b []uuid.UUID) []uuid.UUID {
	inA := make(map[uuid.UUID]bool, len(a))
	for _, id := range a {
		inA[id] = true
	}
	inB := make(map[uuid.UUID]bool, len(b))
	for _, id := range b {
		inB[id] = true
	}

	var diff []uuid.UUID
	for _, id := range a {
		if !inB[id] {
			diff = append(diff, id)
		}
	}
	for _, id := range b {
		if !inA[id] {
			diff = append(diff, id)
		}
	}
	return diff
}

// UnionDiff returns the union of both sets with duplicates removed,
// for mutations where every named list needs a recount regardless of
// change direction.
func UnionDiff(a, b []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(a)+len(b))
	var union []uuid.UUID
	for _, id := range append(append([]uuid.UUID{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			union = append(union, id)
		}
	}
	return union
}
