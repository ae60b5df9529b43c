package obs

import (
	"sync/atomic"
	"time"

	"dexadapter/internal/model/enum"
)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	eventCounts      [enum.EventKindCount]uint64
	queueDrops       uint64
	queueClosed      uint64
	dedupSuppressed  uint64
	staleDropped     uint64
	malformedSkipped uint64
	rpcRetries       uint64
	rpcFailures      uint64
	receiptPolls     uint64

	rpcLatency     LatencyStats
	cycleLatency   LatencyStats
	confirmLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts      map[enum.EventKind]uint64
	QueueDrops       uint64
	QueueClosed      uint64
	DedupSuppressed  uint64
	StaleDropped     uint64
	MalformedSkipped uint64
	RPCRetries       uint64
	RPCFailures      uint64
	ReceiptPolls     uint64
	RPCLatency       LatencySnapshot
	CycleLatency     LatencySnapshot
	ConfirmLatency   LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvent counts an event handed to the output queue.
func (m *Metrics) ObserveEvent(kind enum.EventKind) {
	if m == nil {
		return
	}
	idx := int(kind)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
}

func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// IncDedup records a poll result identical to the previous snapshot.
func (m *Metrics) IncDedup() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.dedupSuppressed, 1)
}

// IncStale records a state or log older than what was already emitted.
func (m *Metrics) IncStale() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.staleDropped, 1)
}

func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.malformedSkipped, 1)
}

func (m *Metrics) IncRPCRetry() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.rpcRetries, 1)
}

func (m *Metrics) IncRPCFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.rpcFailures, 1)
}

func (m *Metrics) IncReceiptPoll() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.receiptPolls, 1)
}

func (m *Metrics) ObserveRPC(d time.Duration) {
	if m == nil {
		return
	}
	m.rpcLatency.Observe(d)
}

// ObserveCycle measures one worker poll cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleLatency.Observe(d)
}

// ObserveConfirm measures submission to terminal receipt.
func (m *Metrics) ObserveConfirm(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[enum.EventKind]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[enum.EventKind(i)] = v
		}
	}
	return Snapshot{
		EventCounts:      eventCounts,
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		QueueClosed:      atomic.LoadUint64(&m.queueClosed),
		DedupSuppressed:  atomic.LoadUint64(&m.dedupSuppressed),
		StaleDropped:     atomic.LoadUint64(&m.staleDropped),
		MalformedSkipped: atomic.LoadUint64(&m.malformedSkipped),
		RPCRetries:       atomic.LoadUint64(&m.rpcRetries),
		RPCFailures:      atomic.LoadUint64(&m.rpcFailures),
		ReceiptPolls:     atomic.LoadUint64(&m.receiptPolls),
		RPCLatency:       m.rpcLatency.Snapshot(),
		CycleLatency:     m.cycleLatency.Snapshot(),
		ConfirmLatency:   m.confirmLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		cur := atomic.LoadUint64(&l.min)
		if cur != 0 && nanos >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, cur, nanos) {
			break
		}
	}

	for {
		cur := atomic.LoadUint64(&l.max)
		if nanos <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
