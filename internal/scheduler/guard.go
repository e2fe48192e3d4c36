package scheduler

import (
	"fmt"
	"sync"

	"lora_pipeline/internal/model"
)

// guard holds the (stage, task) pairs with an assignment in flight.
type guard struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newGuard() *guard {
	return &guard{set: make(map[string]struct{})}
}

func guardKey(stage model.Stage, taskID int) string {
	return fmt.Sprintf("%s:%d", stage, taskID)
}

// acquire returns false when the pair is already being processed.
func (g *guard) acquire(stage model.Stage, taskID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := guardKey(stage, taskID)
	if _, ok := g.set[k]; ok {
		return false
	}
	g.set[k] = struct{}{}
	return true
}

func (g *guard) release(stage model.Stage, taskID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.set, guardKey(stage, taskID))
}

func (g *guard) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.set)
}
