package pool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charging-platform/evse-simulator/internal/domain/events"
)

// defaultLatencyBoundsMs 延迟直方图桶上界，单位毫秒
var defaultLatencyBoundsMs = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// histogram 无锁定桶直方图，会话任务侧只做原子加
type histogram struct {
	boundsMs []float64
	counts   []atomic.Int64 // len(boundsMs)+1，最后一桶为溢出桶
	total    atomic.Int64
	sumUs    atomic.Int64 // 总和，微秒
	maxUs    atomic.Int64
}

func newHistogram(boundsMs []float64) *histogram {
	if len(boundsMs) == 0 {
		boundsMs = defaultLatencyBoundsMs
	}
	return &histogram{
		boundsMs: boundsMs,
		counts:   make([]atomic.Int64, len(boundsMs)+1),
	}
}

// Observe 记录一次观测
func (h *histogram) Observe(d time.Duration) {
	us := d.Microseconds()
	if us < 0 {
		us = 0
	}
	ms := float64(us) / 1000.0

	idx := len(h.boundsMs)
	for i, bound := range h.boundsMs {
		if ms <= bound {
			idx = i
			break
		}
	}
	h.counts[idx].Add(1)
	h.total.Add(1)
	h.sumUs.Add(us)

	for {
		cur := h.maxUs.Load()
		if us <= cur || h.maxUs.CompareAndSwap(cur, us) {
			return
		}
	}
}

// Summary 从桶计数估算avg/p50/p95/p99/max
func (h *histogram) Summary() events.LatencySummary {
	total := h.total.Load()
	if total == 0 {
		return events.LatencySummary{}
	}

	counts := make([]int64, len(h.counts))
	for i := range h.counts {
		counts[i] = h.counts[i].Load()
	}

	summary := events.LatencySummary{
		Count: total,
		AvgMs: float64(h.sumUs.Load()) / float64(total) / 1000.0,
		MaxMs: float64(h.maxUs.Load()) / 1000.0,
	}
	summary.P50Ms = quantile(h.boundsMs, counts, total, 0.50)
	summary.P95Ms = quantile(h.boundsMs, counts, total, 0.95)
	summary.P99Ms = quantile(h.boundsMs, counts, total, 0.99)
	return summary
}

// Buckets 桶计数快照，键为"le_<上界ms>"
func (h *histogram) Buckets() map[string]int64 {
	buckets := make(map[string]int64, len(h.counts))
	for i, bound := range h.boundsMs {
		if n := h.counts[i].Load(); n > 0 {
			buckets[fmt.Sprintf("le_%g", bound)] = n
		}
	}
	if n := h.counts[len(h.boundsMs)].Load(); n > 0 {
		buckets["le_inf"] = n
	}
	return buckets
}

// quantile 桶内线性插值估算分位数
func quantile(boundsMs []float64, counts []int64, total int64, q float64) float64 {
	rank := q * float64(total)
	var cumulative int64
	for i, count := range counts {
		if count == 0 {
			continue
		}
		prev := cumulative
		cumulative += count
		if float64(cumulative) < rank {
			continue
		}

		lower := 0.0
		if i > 0 {
			lower = boundsMs[i-1]
		}
		upper := lower * 2
		if i < len(boundsMs) {
			upper = boundsMs[i]
		}
		fraction := (rank - float64(prev)) / float64(count)
		return lower + (upper-lower)*fraction
	}
	if len(boundsMs) > 0 {
		return boundsMs[len(boundsMs)-1]
	}
	return 0
}
