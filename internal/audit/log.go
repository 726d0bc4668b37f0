// Package audit keeps a bounded, in-process log of decisions and remediations.
package audit

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// DefaultCapacity bounds the log when no capacity is configured.
const DefaultCapacity = 1000

// Log is a FIFO ring of audit entries. Appending beyond capacity evicts the
// oldest entry.
type Log struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries []models.AuditEntry
	head    int
	size    int
	seq     uint64
}

// NewLog constructs an empty Log.
func NewLog(capacity int, clk clock.Clock) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Log{clock: clk, entries: make([]models.AuditEntry, capacity)}
}

// AppendDecision records a decision and returns the stored entry.
func (l *Log) AppendDecision(decision models.Decision) models.AuditEntry {
	d := decision
	return l.append(models.AuditEntry{Kind: models.AuditDecision, Target: d.Target, Decision: &d})
}

// AppendRemediation records a remediation result and returns the stored entry.
func (l *Log) AppendRemediation(result models.RemediationResult) models.AuditEntry {
	r := result
	return l.append(models.AuditEntry{Kind: models.AuditRemediation, Target: r.Target, Remediation: &r})
}

func (l *Log) append(entry models.AuditEntry) models.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry.Sequence = l.seq
	entry.Timestamp = l.clock.Now()

	capacity := len(l.entries)
	if l.size < capacity {
		l.entries[(l.head+l.size)%capacity] = entry
		l.size++
	} else {
		l.entries[l.head] = entry
		l.head = (l.head + 1) % capacity
	}
	return entry
}

// Recent returns up to q.Limit entries, most recent first, optionally
// filtered by target. A non-positive limit returns every matching entry.
func (l *Log) Recent(q models.AuditQuery) []models.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.AuditEntry, 0)
	capacity := len(l.entries)
	for i := l.size - 1; i >= 0; i-- {
		entry := l.entries[(l.head+i)%capacity]
		if q.Target != "" && entry.Target != q.Target {
			continue
		}
		out = append(out, entry)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int {
	return len(l.entries)
}
