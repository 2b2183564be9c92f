package pool

import (
	"bytes"
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/clock"
	"github.com/charging-platform/evse-simulator/internal/domain/events"
	"github.com/charging-platform/evse-simulator/internal/metrics"
)

// callRTTMetricName 会话侧CALL往返直方图在prometheus中的名称
const callRTTMetricName = "simulator_call_rtt_seconds"

// 快进桶判断：CALLERROR帧以[4开头
var callErrorPrefix = []byte("[4,")

// onlineStates 计入在线会话的状态集合
var onlineStates = map[events.SessionState]bool{
	events.StateConnected:     true,
	events.StateBooting:       true,
	events.StateBooted:        true,
	events.StateAvailable:     true,
	events.StatePreparing:     true,
	events.StateCharging:      true,
	events.StateSuspendedEV:   true,
	events.StateSuspendedEVSE: true,
	events.StateFinishing:     true,
}

// Aggregator 池级指标聚合器
// 订阅总线事件更新原子计数，每个快照周期发布一次MetricsTickEvent
type Aggregator struct {
	clk      clock.Clock
	eventBus *bus.Bus
	logger   zerolog.Logger
	gatherer prometheus.Gatherer

	sessionsTotal atomic.Int64
	online        atomic.Int64
	charging      atomic.Int64
	reconnecting  atomic.Int64
	faulted       atomic.Int64
	connectOK     atomic.Int64
	connectFail   atomic.Int64
	framesIn      atomic.Int64
	framesOut     atomic.Int64
	callErrors    atomic.Int64
	progressPct   atomic.Int64 // 百分比 x100

	connLatency *histogram
	forgets     chan string

	// 仅consume goroutine访问
	lastState map[string]events.SessionState
	connStart map[string]time.Time
}

// NewAggregator 创建聚合器
func NewAggregator(clk clock.Clock, eventBus *bus.Bus, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		clk:         clk,
		eventBus:    eventBus,
		logger:      logger.With().Str("component", "aggregator").Logger(),
		gatherer:    prometheus.DefaultGatherer,
		connLatency: newHistogram(nil),
		forgets:     make(chan string, 4096),
		lastState:   make(map[string]events.SessionState),
		connStart:   make(map[string]time.Time),
	}
}

// Run 消费总线事件并按snapshotEvery周期发布快照，ctx取消后返回
func (a *Aggregator) Run(ctx context.Context, snapshotEvery time.Duration) {
	if snapshotEvery <= 0 {
		snapshotEvery = time.Second
	}

	sub := a.eventBus.Subscribe(8192,
		events.TopicSessionEvent, events.TopicFrameIn, events.TopicFrameOut)
	defer sub.Cancel()

	ticker := a.clk.NewTicker(snapshotEvery)
	defer ticker.Stop()

	var lastSnapshot events.MetricsSnapshot
	lastTick := a.clk.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.Events():
			if !ok {
				// 被总线当作慢订阅者丢弃，重新订阅
				a.logger.Warn().Msg("Aggregator subscription dropped, resubscribing")
				sub = a.eventBus.Subscribe(8192,
					events.TopicSessionEvent, events.TopicFrameIn, events.TopicFrameOut)
				continue
			}
			a.consume(event)

		case sessionID := <-a.forgets:
			a.forget(sessionID)

		case <-ticker.C():
			now := a.clk.Now()
			elapsed := now.Sub(lastTick).Seconds()
			snapshot := a.Snapshot()
			if elapsed > 0 {
				snapshot.FramesPerSecond = float64(snapshot.FramesIn+snapshot.FramesOut-
					lastSnapshot.FramesIn-lastSnapshot.FramesOut) / elapsed
				snapshot.ConnectsPerSecond = float64(snapshot.ConnectOK-lastSnapshot.ConnectOK) / elapsed
			}
			a.eventBus.Publish(events.NewMetricsTickEvent(snapshot, now))
			lastSnapshot = snapshot
			lastTick = now
		}
	}
}

// consume 处理单个总线事件
func (a *Aggregator) consume(event events.Event) {
	switch e := event.(type) {
	case *events.SessionEvent:
		a.onSessionEvent(e)

	case *events.FrameEvent:
		if e.Direction == events.DirectionIn {
			a.framesIn.Add(1)
		} else {
			a.framesOut.Add(1)
		}
		if bytes.HasPrefix(e.Raw, callErrorPrefix) {
			a.callErrors.Add(1)
		}
	}
}

// onSessionEvent 根据状态迁移维护分类计数和连接延迟
func (a *Aggregator) onSessionEvent(e *events.SessionEvent) {
	prev, known := a.lastState[e.SessionID]
	a.lastState[e.SessionID] = e.To

	if !known {
		a.sessionsTotal.Add(1)
		metrics.SessionsByState.WithLabelValues(string(events.StateDisconnected)).Inc()
		prev = events.StateDisconnected
	}
	metrics.SessionsByState.WithLabelValues(string(prev)).Dec()
	metrics.SessionsByState.WithLabelValues(string(e.To)).Inc()

	a.adjust(&a.online, onlineStates[prev], onlineStates[e.To])
	a.adjust(&a.charging, prev == events.StateCharging, e.To == events.StateCharging)
	a.adjust(&a.reconnecting, prev == events.StateConnecting, e.To == events.StateConnecting)
	a.adjust(&a.faulted, prev == events.StateFaulted, e.To == events.StateFaulted)

	switch e.To {
	case events.StateConnecting:
		a.connStart[e.SessionID] = e.Timestamp

	case events.StateConnected:
		a.connectOK.Add(1)
		if start, ok := a.connStart[e.SessionID]; ok {
			a.connLatency.Observe(e.Timestamp.Sub(start))
			delete(a.connStart, e.SessionID)
		}

	case events.StateDisconnected:
		if prev == events.StateConnecting {
			a.connectFail.Add(1)
			delete(a.connStart, e.SessionID)
		}
	}
}

// Forget 会话被池回收后请求清除其状态记忆
// 非阻塞投递，聚合器停止后的调用被丢弃
func (a *Aggregator) Forget(sessionID string) {
	select {
	case a.forgets <- sessionID:
	default:
	}
}

// forget 移除会话的状态记忆并回退分类计数，累计计数不回退
func (a *Aggregator) forget(sessionID string) {
	prev, known := a.lastState[sessionID]
	delete(a.lastState, sessionID)
	delete(a.connStart, sessionID)
	if !known {
		return
	}
	metrics.SessionsByState.WithLabelValues(string(prev)).Dec()
	a.adjust(&a.online, onlineStates[prev], false)
	a.adjust(&a.charging, prev == events.StateCharging, false)
	a.adjust(&a.reconnecting, prev == events.StateConnecting, false)
	a.adjust(&a.faulted, prev == events.StateFaulted, false)
}

func (a *Aggregator) adjust(counter *atomic.Int64, was, is bool) {
	if was == is {
		return
	}
	if is {
		counter.Add(1)
	} else {
		counter.Add(-1)
	}
}

// SetProgress 设置批次进度百分比
func (a *Aggregator) SetProgress(pct float64) {
	a.progressPct.Store(int64(math.Round(pct * 100)))
}

// Snapshot 构造当前聚合指标快照
func (a *Aggregator) Snapshot() events.MetricsSnapshot {
	snapshot := events.MetricsSnapshot{
		SessionsTotal:        a.sessionsTotal.Load(),
		SessionsOnline:       a.online.Load(),
		SessionsCharging:     a.charging.Load(),
		SessionsReconnecting: a.reconnecting.Load(),
		SessionsFaulted:      a.faulted.Load(),
		ConnectOK:            a.connectOK.Load(),
		ConnectFailed:        a.connectFail.Load(),
		FramesIn:             a.framesIn.Load(),
		FramesOut:            a.framesOut.Load(),
		CallErrors:           a.callErrors.Load(),
		CallTimeouts:         counterValue(metrics.CallTimeouts),
		Reconnects:           counterValue(metrics.Reconnects),
		ProgressPercent:      float64(a.progressPct.Load()) / 100,
		ConnectLatency:       a.connLatency.Summary(),
		MessageLatency:       a.messageLatency(),
		RTTBuckets:           a.connLatency.Buckets(),
	}
	return snapshot
}

// counterValue 读取prometheus计数器当前值
func counterValue(counter prometheus.Counter) int64 {
	var m dto.Metric
	if err := counter.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// messageLatency 汇总会话侧CALL往返直方图（跨action标签求和）
func (a *Aggregator) messageLatency() events.LatencySummary {
	families, err := a.gatherer.Gather()
	if err != nil {
		return events.LatencySummary{}
	}

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == callRTTMetricName {
			family = f
			break
		}
	}
	if family == nil {
		return events.LatencySummary{}
	}

	var total int64
	var sumSeconds float64
	merged := make(map[float64]int64)
	for _, metric := range family.GetMetric() {
		h := metric.GetHistogram()
		if h == nil {
			continue
		}
		total += int64(h.GetSampleCount())
		sumSeconds += h.GetSampleSum()
		for _, b := range h.GetBucket() {
			merged[b.GetUpperBound()] += int64(b.GetCumulativeCount())
		}
	}
	if total == 0 {
		return events.LatencySummary{}
	}

	bounds := make([]float64, 0, len(merged))
	for bound := range merged {
		if !math.IsInf(bound, 1) {
			bounds = append(bounds, bound)
		}
	}
	sort.Float64s(bounds)

	// 累积计数转桶计数，再换算为毫秒求分位数
	boundsMs := make([]float64, len(bounds))
	counts := make([]int64, len(bounds)+1)
	var prev int64
	for i, bound := range bounds {
		boundsMs[i] = bound * 1000
		counts[i] = merged[bound] - prev
		prev = merged[bound]
	}
	counts[len(bounds)] = total - prev

	summary := events.LatencySummary{
		Count: total,
		AvgMs: sumSeconds / float64(total) * 1000,
	}
	summary.P50Ms = quantile(boundsMs, counts, total, 0.50)
	summary.P95Ms = quantile(boundsMs, counts, total, 0.95)
	summary.P99Ms = quantile(boundsMs, counts, total, 0.99)
	summary.MaxMs = summary.P99Ms // 直方图无精确最大值，用p99近似
	return summary
}
