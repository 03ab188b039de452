// internal/syncer/states.go
package syncer

import "starsync/internal/model"

// legalTransitions enumerates every allowed status change. Anything not listed
// is a programming error and is rejected before touching the database.
var legalTransitions = map[model.SyncStatus][]model.SyncStatus{
	model.StatusPending:    {model.StatusInProgress},
	model.StatusInProgress: {model.StatusCloning, model.StatusFailed, model.StatusPermanentFailure},
	model.StatusCloning:    {model.StatusCompleted, model.StatusFailed, model.StatusPermanentFailure},
	model.StatusFailed:     {model.StatusPending, model.StatusPermanentFailure},
}

// CanTransition reports whether a record may move between the two statuses.
func CanTransition(from, to model.SyncStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
