/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package syncdispatch

import (
	"sync"

	"github.com/acronis/go-appkit/lrucache"

	"github.com/acronis/go-syncdispatch/syncop"
)

// DefaultTerminalResultsMaxEntries determines how many terminal results are kept for status queries.
const DefaultTerminalResultsMaxEntries = 10000

// resultTracker keeps the queryable outcome of every submitted operation.
// Active operations live in a plain map; terminal results (succeeded or dead)
// move to a bounded LRU so the tracker does not grow without limit.
type resultTracker struct {
	mu       sync.RWMutex
	active   map[string]syncop.Result
	terminal *lrucache.LRUCache[string, syncop.Result]
}

func newResultTracker(terminalMaxEntries int) (*resultTracker, error) {
	if terminalMaxEntries <= 0 {
		terminalMaxEntries = DefaultTerminalResultsMaxEntries
	}
	terminal, err := lrucache.New[string, syncop.Result](terminalMaxEntries, nil)
	if err != nil {
		return nil, err
	}
	return &resultTracker{
		active:   make(map[string]syncop.Result),
		terminal: terminal,
	}, nil
}

func (t *resultTracker) update(op *syncop.Operation) {
	result := syncop.ResultOf(op)
	t.mu.Lock()
	defer t.mu.Unlock()
	if result.Status.Terminal() {
		delete(t.active, result.OperationID)
		t.terminal.Add(result.OperationID, result)
		return
	}
	t.active[result.OperationID] = result
}

func (t *resultTracker) get(operationID string) (syncop.Result, bool) {
	t.mu.RLock()
	result, ok := t.active[operationID]
	t.mu.RUnlock()
	if ok {
		return result, true
	}
	return t.terminal.Get(operationID)
}
