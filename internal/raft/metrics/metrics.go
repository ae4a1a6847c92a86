// Package metrics collects per-group counters and latency figures. Counters
// are plain atomics so hot paths never contend on a lock; the latency
// recorder keeps a small mutex-guarded summary.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// GroupMetrics aggregates the activity of one group member.
type GroupMetrics struct {
	ElectionsStarted   atomic.Uint64
	ElectionsWon       atomic.Uint64
	EntriesAppended    atomic.Uint64
	EntriesApplied     atomic.Uint64
	HeartbeatsSent     atomic.Uint64
	CommandsSubmitted  atomic.Uint64
	RetryCacheHits     atomic.Uint64
	ConfChanges        atomic.Uint64
	SnapshotsTaken     atomic.Uint64
	SnapshotsInstalled atomic.Uint64

	ApplyLatency LatencySummary
}

// NewGroupMetrics returns a zeroed metrics set.
func NewGroupMetrics() *GroupMetrics {
	return &GroupMetrics{}
}

// Snapshot returns a point-in-time copy of every counter.
func (m *GroupMetrics) Snapshot() GroupMetricsSnapshot {
	return GroupMetricsSnapshot{
		ElectionsStarted:   m.ElectionsStarted.Load(),
		ElectionsWon:       m.ElectionsWon.Load(),
		EntriesAppended:    m.EntriesAppended.Load(),
		EntriesApplied:     m.EntriesApplied.Load(),
		HeartbeatsSent:     m.HeartbeatsSent.Load(),
		CommandsSubmitted:  m.CommandsSubmitted.Load(),
		RetryCacheHits:     m.RetryCacheHits.Load(),
		ConfChanges:        m.ConfChanges.Load(),
		SnapshotsTaken:     m.SnapshotsTaken.Load(),
		SnapshotsInstalled: m.SnapshotsInstalled.Load(),
		ApplyLatency:       m.ApplyLatency.Snapshot(),
	}
}

// GroupMetricsSnapshot is an immutable copy of GroupMetrics.
type GroupMetricsSnapshot struct {
	ElectionsStarted   uint64
	ElectionsWon       uint64
	EntriesAppended    uint64
	EntriesApplied     uint64
	HeartbeatsSent     uint64
	CommandsSubmitted  uint64
	RetryCacheHits     uint64
	ConfChanges        uint64
	SnapshotsTaken     uint64
	SnapshotsInstalled uint64
	ApplyLatency       LatencyStats
}

// LatencySummary accumulates count, total and max of observed durations.
type LatencySummary struct {
	mu    sync.Mutex
	count uint64
	total time.Duration
	max   time.Duration
}

// Observe records one duration.
func (l *LatencySummary) Observe(d time.Duration) {
	l.mu.Lock()
	l.count++
	l.total += d
	if d > l.max {
		l.max = d
	}
	l.mu.Unlock()
}

// Snapshot returns the accumulated figures.
func (l *LatencySummary) Snapshot() LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := LatencyStats{Count: l.count, Total: l.total, Max: l.max}
	if l.count > 0 {
		stats.Mean = l.total / time.Duration(l.count)
	}
	return stats
}

// LatencyStats is a point-in-time latency summary.
type LatencyStats struct {
	Count uint64
	Total time.Duration
	Mean  time.Duration
	Max   time.Duration
}
