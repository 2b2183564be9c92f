package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic 事件总线主题
type Topic string

const (
	TopicSessionEvent Topic = "sessionEvent" // 会话生命周期事件
	TopicFrameIn      Topic = "frameIn"      // 入站帧
	TopicFrameOut     Topic = "frameOut"     // 出站帧
	TopicLimitChange  Topic = "limitChange"  // 有效限值变化
	TopicMetricsTick  Topic = "metricsTick"  // 池级指标快照
)

// SessionState 会话状态
type SessionState string

const (
	StateDisconnected  SessionState = "DISCONNECTED"
	StateConnecting    SessionState = "CONNECTING"
	StateConnected     SessionState = "CONNECTED"
	StateBooting       SessionState = "BOOTING"
	StateBooted        SessionState = "BOOTED"
	StateAvailable     SessionState = "AVAILABLE"
	StatePreparing     SessionState = "PREPARING"
	StateCharging      SessionState = "CHARGING"
	StateSuspendedEV   SessionState = "SUSPENDED_EV"
	StateSuspendedEVSE SessionState = "SUSPENDED_EVSE"
	StateFinishing     SessionState = "FINISHING"
	StateFaulted       SessionState = "FAULTED"
)

// Direction 帧方向
type Direction string

const (
	DirectionIn  Direction = "in"  // CSMS -> 充电桩
	DirectionOut Direction = "out" // 充电桩 -> CSMS
)

// Event 总线事件的公共接口
type Event interface {
	EventTopic() Topic
	EventTime() time.Time
}

// SessionEvent 会话状态迁移事件
type SessionEvent struct {
	EventID   string       `json:"eventId"`
	SessionID string       `json:"sessionId"`
	From      SessionState `json:"from"`
	To        SessionState `json:"to"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewSessionEvent 创建会话事件
func NewSessionEvent(sessionID string, from, to SessionState, reason string, at time.Time) *SessionEvent {
	return &SessionEvent{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: at,
	}
}

func (e *SessionEvent) EventTopic() Topic    { return TopicSessionEvent }
func (e *SessionEvent) EventTime() time.Time { return e.Timestamp }

// FrameEvent 帧收发事件，Raw保存线缆上的原始字节
type FrameEvent struct {
	EventID   string    `json:"eventId"`
	SessionID string    `json:"sessionId"`
	Direction Direction `json:"direction"`
	Action    string    `json:"action,omitempty"`
	MessageID string    `json:"messageId"`
	Raw       []byte    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

// NewFrameEvent 创建帧事件
func NewFrameEvent(sessionID string, dir Direction, action, messageID string, raw []byte, at time.Time) *FrameEvent {
	return &FrameEvent{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Direction: dir,
		Action:    action,
		MessageID: messageID,
		Raw:       raw,
		Timestamp: at,
	}
}

func (e *FrameEvent) EventTopic() Topic {
	if e.Direction == DirectionIn {
		return TopicFrameIn
	}
	return TopicFrameOut
}

func (e *FrameEvent) EventTime() time.Time { return e.Timestamp }

// LimitEvent 有效充电限值变化事件
type LimitEvent struct {
	EventID     string    `json:"eventId"`
	SessionID   string    `json:"sessionId"`
	ConnectorID int       `json:"connectorId"`
	LimitW      float64   `json:"limitW"`
	ProfileID   int       `json:"profileId"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewLimitEvent 创建限值事件，ProfileID为0表示恢复到无限制
func NewLimitEvent(sessionID string, connectorID int, limitW float64, profileID int, at time.Time) *LimitEvent {
	return &LimitEvent{
		EventID:     uuid.New().String(),
		SessionID:   sessionID,
		ConnectorID: connectorID,
		LimitW:      limitW,
		ProfileID:   profileID,
		Timestamp:   at,
	}
}

func (e *LimitEvent) EventTopic() Topic    { return TopicLimitChange }
func (e *LimitEvent) EventTime() time.Time { return e.Timestamp }

// MetricsTickEvent 池级指标快照事件，每秒发布一次
type MetricsTickEvent struct {
	Snapshot  MetricsSnapshot `json:"snapshot"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMetricsTickEvent 创建指标快照事件
func NewMetricsTickEvent(snapshot MetricsSnapshot, at time.Time) *MetricsTickEvent {
	return &MetricsTickEvent{Snapshot: snapshot, Timestamp: at}
}

func (e *MetricsTickEvent) EventTopic() Topic    { return TopicMetricsTick }
func (e *MetricsTickEvent) EventTime() time.Time { return e.Timestamp }

// LatencySummary 延迟直方图摘要，时间单位毫秒
type LatencySummary struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avgMs"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
	MaxMs float64 `json:"maxMs"`
}

// MetricsSnapshot 池级聚合指标
type MetricsSnapshot struct {
	SessionsTotal        int64            `json:"sessionsTotal"`
	SessionsOnline       int64            `json:"sessionsOnline"`
	SessionsCharging     int64            `json:"sessionsCharging"`
	SessionsReconnecting int64            `json:"sessionsReconnecting"`
	SessionsFaulted      int64            `json:"sessionsFaulted"`
	ConnectOK            int64            `json:"connectOk"`
	ConnectFailed        int64            `json:"connectFailed"`
	FramesIn             int64            `json:"framesIn"`
	FramesOut            int64            `json:"framesOut"`
	CallErrors           int64            `json:"callErrors"`
	CallTimeouts         int64            `json:"callTimeouts"`
	Reconnects           int64            `json:"reconnects"`
	FramesPerSecond      float64          `json:"framesPerSecond"`
	ConnectsPerSecond    float64          `json:"connectsPerSecond"`
	ProgressPercent      float64          `json:"progressPercent"`
	ConnectLatency       LatencySummary   `json:"connectLatency"`
	MessageLatency       LatencySummary   `json:"messageLatency"`
	RTTBuckets           map[string]int64 `json:"rttBuckets,omitempty"`
}
