package service

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Assignment is the ephemeral task→agent mapping held only in memory.
// It exists to detect stuck dispatches: it is destroyed when a result
// arrives or when its TTL elapses, whichever comes first.
type Assignment struct {
	TaskID     string
	AgentID    string
	AssignedAt time.Time
}

// assignmentTable tracks active assignments with per-entry expiry.
// The go-cache janitor doubles as the background sweep: entries that
// expire without being resolved trigger onExpire.
type assignmentTable struct {
	c        *gocache.Cache
	mu       sync.Mutex
	resolved map[string]struct{}
}

func newAssignmentTable(ttl, sweepInterval time.Duration, onExpire func(Assignment)) *assignmentTable {
	t := &assignmentTable{
		c:        gocache.New(ttl, sweepInterval),
		resolved: make(map[string]struct{}),
	}
	t.c.OnEvicted(func(taskID string, v any) {
		t.mu.Lock()
		_, wasResolved := t.resolved[taskID]
		delete(t.resolved, taskID)
		t.mu.Unlock()

		if wasResolved || onExpire == nil {
			return
		}
		onExpire(v.(Assignment))
	})
	return t
}

// Put records the assignment under the table's default TTL, replacing
// any previous assignment for the task.
func (t *assignmentTable) Put(taskID, agentID string) {
	t.c.SetDefault(taskID, Assignment{
		TaskID:     taskID,
		AgentID:    agentID,
		AssignedAt: time.Now(),
	})
}

// Get returns the active assignment for the task, if any.
func (t *assignmentTable) Get(taskID string) (Assignment, bool) {
	v, ok := t.c.Get(taskID)
	if !ok {
		return Assignment{}, false
	}
	return v.(Assignment), true
}

// Resolve removes the assignment without firing the expiry handler.
// Returns the assignment that was active, if any.
func (t *assignmentTable) Resolve(taskID string) (Assignment, bool) {
	v, ok := t.c.Get(taskID)
	if !ok {
		return Assignment{}, false
	}

	t.mu.Lock()
	t.resolved[taskID] = struct{}{}
	t.mu.Unlock()
	t.c.Delete(taskID)

	return v.(Assignment), true
}

// Count returns the number of active assignments.
func (t *assignmentTable) Count() int {
	return t.c.ItemCount()
}
