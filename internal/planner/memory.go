package planner

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gridline-robotics/warden/model"
)

const (
	memoryWindow = 20
	promptWindow = 8
)

// Memory is the agent's sliding window of governed outcomes: what was
// proposed, how governance ruled, whether it ran. The run loop writes after
// every tick; prompts read the tail.
type Memory struct {
	mu      sync.Mutex
	entries []model.MemoryEntry
	max     int
}

// NewMemory builds a memory with the standard window.
func NewMemory() *Memory {
	return &Memory{max: memoryWindow}
}

// Add appends one outcome, evicting the oldest past the window. Entries
// without a timestamp are stamped on entry.
func (m *Memory) Add(e model.MemoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	m.entries = append(m.entries, e)
	if len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
}

// Context renders the recent tail as prompt text.
func (m *Memory) Context() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return "No previous decisions."
	}
	tail := m.entries
	if len(tail) > promptWindow {
		tail = tail[len(tail)-promptWindow:]
	}
	var b strings.Builder
	b.WriteString("Recent decision history:\n")
	for _, e := range tail {
		hits := "none"
		if len(e.PolicyHits) > 0 {
			hits = strings.Join(e.PolicyHits, ", ")
		}
		reasons := "none"
		if len(e.Reasons) > 0 {
			reasons = strings.Join(e.Reasons, "; ")
		}
		fmt.Fprintf(&b, "- Proposed %s %v -> %s (policies: %s). Reasons: %s. Executed: %t.\n",
			e.Intent, e.Params, e.Decision, hits, reasons, e.WasExecuted)
	}
	return strings.TrimRight(b.String(), "\n")
}

// DenialCount reports how many of the last n outcomes were non-approved.
func (m *Memory) DenialCount(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	tail := m.entries
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	count := 0
	for _, e := range tail {
		if e.Decision != model.DecisionApproved {
			count++
		}
	}
	return count
}

// LastDenialReasons returns the reasons of the most recent non-approved
// outcome, or nil.
func (m *Memory) LastDenialReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Decision != model.DecisionApproved {
			return append([]string(nil), m.entries[i].Reasons...)
		}
	}
	return nil
}

// Snapshot returns a copy of the stored entries, oldest first.
func (m *Memory) Snapshot() []model.MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.MemoryEntry(nil), m.entries...)
}
