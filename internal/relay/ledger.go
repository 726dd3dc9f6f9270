package relay

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingItem tracks one item waiting in the requeue tail.
type PendingItem struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Attempts     int         `json:"attempts"`
	Pass         int         `json:"pass"`
	QueuedAt     time.Time   `json:"queued_at"`
	FirstAttempt time.Time   `json:"first_attempt_at"`
	LastError    string      `json:"last_error,omitempty"`
	Outcome      OutcomeKind `json:"outcome"`
}

// Ledger holds requeued items by stable item ID. The coordinator writes it;
// the status endpoint reads it from another goroutine.
type Ledger struct {
	mu    sync.RWMutex
	items map[string]PendingItem
	last  *RunResult
}

func NewLedger() *Ledger {
	return &Ledger{
		items: make(map[string]PendingItem),
	}
}

func (l *Ledger) Upsert(item PendingItem) {
	key := strings.TrimSpace(item.ID)
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[key] = item
}

func (l *Ledger) Remove(id string) {
	key := strings.TrimSpace(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, key)
}

func (l *Ledger) Get(id string) (PendingItem, bool) {
	key := strings.TrimSpace(id)
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.items[key]
	return item, ok
}

func (l *Ledger) List() []PendingItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PendingItem, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Reset drops every pending item, e.g. when a run starts.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]PendingItem)
}

// Finish stores a copy of the finished run for readers.
func (l *Ledger) Finish(res *RunResult) {
	if res == nil {
		return
	}
	snapshot := *res
	snapshot.Records = append([]BatchRecord(nil), res.Records...)
	snapshot.NotAttempted = append([]string(nil), res.NotAttempted...)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = &snapshot
}

// LastRun returns the most recent finished run.
func (l *Ledger) LastRun() (RunResult, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return RunResult{}, false
	}
	return *l.last, true
}
