// internal/syncer/states_test.go
package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"starsync/internal/model"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to model.SyncStatus }{
		{model.StatusPending, model.StatusInProgress},
		{model.StatusInProgress, model.StatusCloning},
		{model.StatusInProgress, model.StatusFailed},
		{model.StatusInProgress, model.StatusPermanentFailure},
		{model.StatusCloning, model.StatusCompleted},
		{model.StatusCloning, model.StatusFailed},
		{model.StatusCloning, model.StatusPermanentFailure},
		{model.StatusFailed, model.StatusPending},
		{model.StatusFailed, model.StatusPermanentFailure},
	}
	for _, tt := range allowed {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	denied := []struct{ from, to model.SyncStatus }{
		{model.StatusPending, model.StatusCloning},
		{model.StatusPending, model.StatusCompleted},
		{model.StatusInProgress, model.StatusPending},
		{model.StatusInProgress, model.StatusInProgress},
		{model.StatusCloning, model.StatusPending},
		{model.StatusFailed, model.StatusInProgress},
		{model.StatusFailed, model.StatusCompleted},
	}
	for _, tt := range denied {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []model.SyncStatus{
		model.StatusPending, model.StatusInProgress, model.StatusCloning,
		model.StatusCompleted, model.StatusFailed, model.StatusPermanentFailure,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}
