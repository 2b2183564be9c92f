package session

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/clock"
	"github.com/charging-platform/evse-simulator/internal/domain/events"
	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/evse-simulator/internal/domain/serialization"
	"github.com/charging-platform/evse-simulator/internal/domain/validation"
	"github.com/charging-platform/evse-simulator/internal/metrics"
	"github.com/charging-platform/evse-simulator/internal/profile"
)

// Subprotocol OCPP-J 1.6要求的WebSocket子协议
const Subprotocol = "ocpp1.6"

// 内部定时器周期
const (
	pendingSweepInterval = time.Second
	profileSweepEvery    = 30 // 以pendingSweep为单位
	closeFlushDeadline   = 2 * time.Second
)

// Config 单会话配置
type Config struct {
	ChargePointID     string
	CSMSURL           string // 不含充电桩id的基础URL
	Vendor            string
	Model             string
	FirmwareVersion   string
	ConnectorCount    int
	IdTag             string
	HeartbeatInterval time.Duration
	MeterInterval     time.Duration
	CallTimeout       time.Duration
	PendingCallLimit  int
	InboxSize         int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	TLSSkipVerify     bool
	HandshakeTimeout  time.Duration
	BasicAuthUser     string
	BasicAuthPassword string
	MeterPowerW       float64
	MeterNoiseW       float64
	MeterStartWh      int
	LogRingSize       int
	Profile           profile.Config
}

// 缺省值兜底，零值配置也能运行
func (c *Config) applyDefaults() {
	if c.ConnectorCount < 1 {
		c.ConnectorCount = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 300 * time.Second
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = 60 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = 60 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MeterPowerW <= 0 {
		c.MeterPowerW = 7360
	}
	if c.Vendor == "" {
		c.Vendor = "SimVendor"
	}
	if c.Model == "" {
		c.Model = "SimModel-1"
	}
}

// configEntry 充电桩本地配置键
type configEntry struct {
	value    string
	readonly bool
}

// Snapshot 会话的不可变视图
type Snapshot struct {
	ID               string
	ChargePointID    string
	URL              string
	State            events.SessionState
	TransactionID    *int
	TxConnector      int
	IdTag            string
	MeterWh          float64
	HeartbeatEvery   time.Duration
	MeterEvery       time.Duration
	LastConnected    time.Time
	PendingCalls     int
	ReconnectAttempt int
	ConnectorStatus  map[int]ocpp16.ChargePointStatus
	EffectiveLimits  map[int]profile.Limit
	Log              []LogEntry
}

// Session 单个模拟充电桩
// 状态和socket仅由run goroutine触碰，外部通过命令交互
type Session struct {
	id        string
	cfg       Config
	clk       clock.Clock
	eventBus  *bus.Bus
	validator *validation.Validator
	handlers  *HandlerRegistry
	logger    zerolog.Logger

	inbox    chan command
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// 以下字段仅run goroutine访问
	engine           *profile.Engine
	pending          *PendingRegistry
	logRing          *LogRing
	state            events.SessionState
	conn             *websocket.Conn
	intentionalClose bool
	permanentClose   bool
	reconnectAttempt int
	reconnectCh      <-chan time.Time
	bootRetryCh      <-chan time.Time
	heartbeatEvery   time.Duration
	meterEvery       time.Duration
	heartbeatTicker  clock.Ticker
	meterTicker      clock.Ticker
	connectorStatus  map[int]ocpp16.ChargePointStatus
	availability     map[int]ocpp16.AvailabilityType
	txID             *int
	txConnector      int
	txIdTag          string
	txStartWh        int
	meterWh          float64
	limits           map[int]profile.Limit
	configKeys       map[string]*configEntry
	lastConnected    time.Time
	afterReply       []func()
	profileGauge     int // 上次同步到ActiveProfiles的配置文件数
	rng              *rand.Rand
}

// New 创建会话，Start之前不会产生任何副作用
func New(cfg Config, clk clock.Clock, eventBus *bus.Bus, validator *validation.Validator, handlers *HandlerRegistry, logger zerolog.Logger) *Session {
	cfg.applyDefaults()

	s := &Session{
		id:              uuid.New().String(),
		cfg:             cfg,
		clk:             clk,
		eventBus:        eventBus,
		validator:       validator,
		handlers:        handlers,
		inbox:           make(chan command, cfg.InboxSize),
		done:            make(chan struct{}),
		engine:          profile.NewEngine(cfg.Profile),
		pending:         NewPendingRegistry(cfg.PendingCallLimit),
		logRing:         NewLogRing(cfg.LogRingSize),
		state:           events.StateDisconnected,
		heartbeatEvery:  cfg.HeartbeatInterval,
		meterEvery:      cfg.MeterInterval,
		connectorStatus: make(map[int]ocpp16.ChargePointStatus, cfg.ConnectorCount),
		availability:    make(map[int]ocpp16.AvailabilityType, cfg.ConnectorCount),
		limits:          make(map[int]profile.Limit),
		meterWh:         float64(cfg.MeterStartWh),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.logger = logger.With().Str("charge_point_id", cfg.ChargePointID).Logger()

	for connector := 1; connector <= cfg.ConnectorCount; connector++ {
		s.connectorStatus[connector] = ocpp16.ChargePointStatusAvailable
		s.availability[connector] = ocpp16.AvailabilityTypeOperative
	}
	s.configKeys = map[string]*configEntry{
		"HeartbeatInterval":        {value: fmt.Sprintf("%d", int(cfg.HeartbeatInterval/time.Second))},
		"MeterValueSampleInterval": {value: fmt.Sprintf("%d", int(cfg.MeterInterval/time.Second))},
		"ConnectionTimeOut":        {value: "60"},
		"NumberOfConnectors":       {value: fmt.Sprintf("%d", cfg.ConnectorCount), readonly: true},
		"ChargePointVendor":        {value: cfg.Vendor, readonly: true},
		"ChargePointModel":         {value: cfg.Model, readonly: true},
		"SupportedFeatureProfiles": {value: "Core,SmartCharging,RemoteTrigger", readonly: true},
	}
	return s
}

// ID 会话唯一标识
func (s *Session) ID() string {
	return s.id
}

// ChargePointID 充电桩标识
func (s *Session) ChargePointID() string {
	return s.cfg.ChargePointID
}

// Done 会话终止信号
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start 启动会话goroutine
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Wait 等待会话goroutine退出
func (s *Session) Wait() {
	s.wg.Wait()
}

// run 单写者主循环
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	s.heartbeatTicker = s.clk.NewTicker(s.heartbeatEvery)
	s.meterTicker = s.clk.NewTicker(s.meterEvery)
	sweepTicker := s.clk.NewTicker(pendingSweepInterval)
	defer s.heartbeatTicker.Stop()
	defer s.meterTicker.Stop()
	defer sweepTicker.Stop()

	sweepCount := 0
	for {
		select {
		case <-ctx.Done():
			s.shutdown("context cancelled")
			return

		case cmd := <-s.inbox:
			if done := s.handleCommand(cmd); done {
				return
			}

		case <-s.heartbeatTicker.C():
			if s.booted() {
				s.sendHeartbeat()
			}

		case <-s.meterTicker.C():
			if s.txID != nil && s.conn != nil {
				s.sendMeterValues(ocpp16.ReadingContextSamplePeriodic)
			}

		case <-sweepTicker.C():
			now := s.clk.Now()
			for _, action := range s.pending.Sweep(now) {
				metrics.CallTimeouts.Inc()
				s.log("warn", fmt.Sprintf("call %s timed out", action))
			}
			sweepCount++
			if sweepCount%profileSweepEvery == 0 {
				s.sweepProfiles(now)
			}

		case <-s.reconnectCh:
			s.reconnectCh = nil
			s.dial()

		case <-s.bootRetryCh:
			s.bootRetryCh = nil
			if s.conn != nil {
				s.sendBootNotification()
			}
		}
		s.runDeferred()
		s.syncProfileGauge()
	}
}

// syncProfileGauge 把引擎里的配置文件数同步到全局gauge
func (s *Session) syncProfileGauge() {
	n := s.engine.ProfileCount()
	if delta := n - s.profileGauge; delta != 0 {
		metrics.ActiveProfiles.Add(float64(delta))
		s.profileGauge = n
	}
}

// runDeferred 执行处理器在响应之后排队的动作
func (s *Session) runDeferred() {
	for len(s.afterReply) > 0 {
		tasks := s.afterReply
		s.afterReply = nil
		for _, task := range tasks {
			task()
		}
	}
}

// defer 在当前命令处理完后执行，保持会话内全序
func (s *Session) deferTask(task func()) {
	s.afterReply = append(s.afterReply, task)
}

// handleCommand 处理inbox命令，closeCmd返回true终止循环
func (s *Session) handleCommand(cmd command) bool {
	switch c := cmd.(type) {
	case openCmd:
		s.intentionalClose = false
		s.permanentClose = false
		s.reconnectAttempt = 0
		s.dial()

	case closeCmd:
		s.shutdown(c.reason)
		return true

	case sendCallCmd:
		s.sendCall(c.action, c.payload, c.timeout, c.deliver)

	case frameInCmd:
		s.handleFrameIn(c.data)

	case socketClosedCmd:
		if c.conn == s.conn {
			s.onSocketClosed(c.err)
		}

	case snapshotCmd:
		c.reply <- s.snapshot()

	case triggerCmd:
		s.handleTrigger(c.trigger, c.connectorID)

	case startTxCmd:
		s.startTransaction(c.connectorID, c.idTag)

	case stopTxCmd:
		s.stopTransaction(c.reason)

	case setProfileCmd:
		status := s.engine.Set(c.connectorID, c.prof, s.clk.Now())
		if status == profile.SetAccepted {
			s.publishLimit(c.connectorID)
		}
		c.reply <- status

	case clearProfileCmd:
		cleared := s.engine.Clear(c.criteria)
		if len(cleared) > 0 {
			for connector := range s.connectorStatus {
				s.publishLimit(connector)
			}
		}
		c.reply <- cleared

	case compositeCmd:
		c.reply <- s.engine.CompositeSchedule(c.connectorID, c.duration, c.unit, s.clk.Now())
	}
	return false
}

// dial 建立WebSocket连接并发送BootNotification
func (s *Session) dial() {
	s.setState(events.StateConnecting, "dialing")

	url := strings.TrimRight(s.cfg.CSMSURL, "/") + "/" + s.cfg.ChargePointID
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	if strings.HasPrefix(url, "wss://") && s.cfg.TLSSkipVerify {
		// 测试模式信任所有证书
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	if s.cfg.BasicAuthUser != "" {
		auth := s.cfg.BasicAuthUser + ":" + s.cfg.BasicAuthPassword
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.log("warn", WrapError(KindHandshakeFailed, "handshake failed", err).Error())
		s.setState(events.StateDisconnected, "handshake failed")
		s.scheduleReconnect()
		return
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close()
		serr := NewError(KindHandshakeFailed,
			fmt.Sprintf("server selected subprotocol %q, want %q", conn.Subprotocol(), Subprotocol))
		s.log("error", serr.Error())
		s.setState(events.StateDisconnected, "wrong subprotocol")
		s.scheduleReconnect()
		return
	}

	s.conn = conn
	s.reconnectAttempt = 0
	s.lastConnected = s.clk.Now()
	s.setState(events.StateConnected, "handshake ok")
	s.log("info", "connected")

	s.wg.Add(1)
	go s.readLoop(conn)

	s.sendBootNotification()
}

// readLoop 读goroutine：socket到inbox的唯一通路
func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.enqueueBlocking(socketClosedCmd{conn: conn, err: err})
			return
		}
		s.enqueueBlocking(frameInCmd{data: data})
	}
}

// onSocketClosed 非预期断连，按策略重连
func (s *Session) onSocketClosed(err error) {
	s.conn = nil
	s.pending.FailAll(KindSocketClosed, "socket closed")
	if s.intentionalClose {
		return
	}
	s.log("warn", fmt.Sprintf("socket closed: %v", err))
	s.setState(events.StateDisconnected, "socket closed")
	s.scheduleReconnect()
}

// scheduleReconnect 延迟 = base x 次数，封顶cap；超过最大次数永久断开
func (s *Session) scheduleReconnect() {
	if s.intentionalClose {
		return
	}
	s.reconnectAttempt++
	if s.reconnectAttempt > s.cfg.ReconnectAttempts {
		s.permanentClose = true
		s.log("error", fmt.Sprintf("giving up after %d reconnect attempts", s.cfg.ReconnectAttempts))
		s.publishSession(s.state, s.state, "close permanent")
		return
	}
	delay := time.Duration(s.reconnectAttempt) * s.cfg.ReconnectDelay
	if delay > s.cfg.ReconnectDelayMax {
		delay = s.cfg.ReconnectDelayMax
	}
	metrics.Reconnects.Inc()
	s.log("info", fmt.Sprintf("reconnect attempt %d in %s", s.reconnectAttempt, delay))
	s.reconnectCh = s.clk.After(delay)
}

// shutdown 协作式关闭：失败所有待响应CALL，1000关闭socket
func (s *Session) shutdown(reason string) {
	s.intentionalClose = true
	s.pending.FailAll(KindCancelled, "session closed")
	if s.conn != nil {
		deadline := time.Now().Add(closeFlushDeadline)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		s.conn.Close()
		s.conn = nil
	}
	s.setState(events.StateDisconnected, reason)
	s.log("info", fmt.Sprintf("session closed: %s", reason))
	if s.profileGauge != 0 {
		metrics.ActiveProfiles.Add(float64(-s.profileGauge))
		s.profileGauge = 0
	}
	s.stopOnce.Do(func() { close(s.done) })
}

// handleFrameIn 解码入站帧并分类处理
func (s *Session) handleFrameIn(data []byte) {
	frame, err := serialization.Decode(data)
	if err != nil {
		// 帧错误只丢弃该帧，连接保持
		kind := KindFraming
		var unknownType *serialization.UnknownFrameTypeError
		if errors.As(err, &unknownType) {
			kind = KindUnknownFrameType
		}
		s.log("warn", WrapError(kind, "dropping malformed frame", err).Error())
		s.publishFrame(events.DirectionIn, "", "", data)
		return
	}

	s.publishFrame(events.DirectionIn, frame.Action, frame.MessageID, data)

	switch frame.Type {
	case ocpp16.Call:
		metrics.FramesReceived.WithLabelValues(frame.Action).Inc()
		s.handleInboundCall(frame)

	case ocpp16.CallResult:
		action, ok := s.pending.Resolve(frame.MessageID, CallOutcome{Payload: frame.Payload}, s.clk.Now())
		if !ok {
			s.log("warn", fmt.Sprintf("call result for unknown message id %s", frame.MessageID))
			return
		}
		metrics.FramesReceived.WithLabelValues(action).Inc()

	case ocpp16.CallError:
		outcome := CallOutcome{
			ErrorCode:        frame.ErrorCode,
			ErrorDescription: frame.ErrorDescription,
			ErrorDetails:     frame.ErrorDetails,
		}
		action, ok := s.pending.Resolve(frame.MessageID, outcome, s.clk.Now())
		if !ok {
			s.log("warn", fmt.Sprintf("call error for unknown message id %s", frame.MessageID))
			return
		}
		metrics.CallErrors.WithLabelValues(frame.ErrorCode, string(events.DirectionIn)).Inc()
		s.log("warn", fmt.Sprintf("call %s failed: %s %s", action, frame.ErrorCode, frame.ErrorDescription))
	}
}

// handleInboundCall 分发到动作处理器并写回CALLRESULT/CALLERROR
func (s *Session) handleInboundCall(frame *serialization.Frame) {
	handler, ok := s.handlers.Get(frame.Action)
	if !ok {
		s.writeCallError(frame.MessageID, "NotImplemented", fmt.Sprintf("action %s not supported", frame.Action))
		return
	}

	result, herr := s.dispatch(handler, frame)
	if herr != nil {
		code := "InternalError"
		switch herr.Kind {
		case KindValidation:
			code = "FormationViolation"
		case KindUnknownAction:
			code = "NotImplemented"
		}
		s.log("warn", fmt.Sprintf("handler %s failed: %v", frame.Action, herr))
		s.writeCallError(frame.MessageID, code, herr.Message)
		return
	}

	data, err := serialization.EncodeCallResult(frame.MessageID, result)
	if err != nil {
		s.writeCallError(frame.MessageID, "InternalError", "failed to encode result")
		return
	}
	s.writeFrame(frame.Action, frame.MessageID, data)
}

// dispatch 调用处理器并拦截panic，坏掉的处理器不得拖垮进程
func (s *Session) dispatch(handler HandlerFunc, frame *serialization.Frame) (result interface{}, herr *Error) {
	defer func() {
		if r := recover(); r != nil {
			s.log("error", fmt.Sprintf("handler %s panicked: %v\n%s", frame.Action, r, debug.Stack()))
			result = nil
			herr = NewError(KindInternal, fmt.Sprintf("handler %s panicked", frame.Action))
		}
	}()
	return handler(s, frame.Payload)
}

// writeCallError 写CALLERROR帧
func (s *Session) writeCallError(messageID, code, description string) {
	data, err := serialization.EncodeCallError(messageID, code, description, nil)
	if err != nil {
		return
	}
	metrics.CallErrors.WithLabelValues(code, string(events.DirectionOut)).Inc()
	s.writeFrame("", messageID, data)
}

// sendCall 登记待响应表后写CALL帧，登记happens-before发送
func (s *Session) sendCall(action string, payload interface{}, timeout time.Duration, deliver func(CallOutcome)) {
	if s.conn == nil {
		deliver(CallOutcome{Err: NewError(KindSocketClosed, "not connected")})
		return
	}
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}

	messageID := uuid.New().String()
	now := s.clk.Now()
	wrapped := func(outcome CallOutcome) {
		if outcome.Err == nil {
			metrics.CallRTT.WithLabelValues(action).Observe(outcome.RTT.Seconds())
		}
		deliver(outcome)
	}
	if err := s.pending.Register(messageID, action, now, now.Add(timeout), wrapped); err != nil {
		deliver(CallOutcome{Err: err})
		return
	}

	data, err := serialization.EncodeCall(messageID, action, payload)
	if err != nil {
		s.pending.Resolve(messageID, CallOutcome{Err: WrapError(KindInternal, "failed to encode call", err)}, now)
		return
	}
	if !s.writeFrame(action, messageID, data) {
		s.pending.Resolve(messageID, CallOutcome{Err: NewError(KindSocketClosed, "write failed")}, now)
	}
}

// writeFrame 单写者写socket，失败触发断连处理
func (s *Session) writeFrame(action, messageID string, data []byte) bool {
	if s.conn == nil {
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log("warn", fmt.Sprintf("write failed: %v", err))
		s.conn.Close()
		s.onSocketClosed(err)
		return false
	}
	if action != "" {
		metrics.FramesSent.WithLabelValues(action).Inc()
	}
	s.publishFrame(events.DirectionOut, action, messageID, data)
	return true
}

// booted BootNotification已被接受
func (s *Session) booted() bool {
	switch s.state {
	case events.StateBooted, events.StateAvailable, events.StatePreparing,
		events.StateCharging, events.StateSuspendedEV, events.StateSuspendedEVSE,
		events.StateFinishing:
		return s.conn != nil
	}
	return false
}

// setState 状态迁移并发布会话事件
func (s *Session) setState(to events.SessionState, reason string) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.publishSession(from, to, reason)
}

func (s *Session) publishSession(from, to events.SessionState, reason string) {
	if s.eventBus != nil {
		s.eventBus.Publish(events.NewSessionEvent(s.id, from, to, reason, s.clk.Now()))
	}
}

func (s *Session) publishFrame(dir events.Direction, action, messageID string, raw []byte) {
	if s.eventBus != nil {
		s.eventBus.Publish(events.NewFrameEvent(s.id, dir, action, messageID, raw, s.clk.Now()))
	}
}

// publishLimit 重算有效限值，变化时发布LimitEvent
func (s *Session) publishLimit(connectorID int) {
	limit, changed := s.engine.RecomputeLimit(connectorID, s.clk.Now())
	s.limits[connectorID] = limit
	if !changed {
		return
	}
	s.log("info", fmt.Sprintf("connector %d effective limit %.0fW (profile %d)", connectorID, limit.LimitW, limit.ProfileID))
	if s.eventBus != nil {
		s.eventBus.Publish(events.NewLimitEvent(s.id, connectorID, limit.LimitW, limit.ProfileID, s.clk.Now()))
	}
}

// sweepProfiles 移除过期配置文件并重算受影响的连接器
func (s *Session) sweepProfiles(now time.Time) {
	expired := s.engine.Sweep(now)
	for connectorID, ids := range expired {
		s.log("info", fmt.Sprintf("connector %d profiles expired: %v", connectorID, ids))
		s.publishLimit(connectorID)
	}
}

// log 双写：结构化日志和会话日志环
func (s *Session) log(level, message string) {
	s.logRing.Add(s.clk.Now(), level, message)
	switch level {
	case "error":
		s.logger.Error().Msg(message)
	case "warn":
		s.logger.Warn().Msg(message)
	case "debug":
		s.logger.Debug().Msg(message)
	default:
		s.logger.Info().Msg(message)
	}
}

// snapshot 构造不可变视图
func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:               s.id,
		ChargePointID:    s.cfg.ChargePointID,
		URL:              s.cfg.CSMSURL,
		State:            s.state,
		TxConnector:      s.txConnector,
		IdTag:            s.txIdTag,
		MeterWh:          s.meterWh,
		HeartbeatEvery:   s.heartbeatEvery,
		MeterEvery:       s.meterEvery,
		LastConnected:    s.lastConnected,
		PendingCalls:     s.pending.Len(),
		ReconnectAttempt: s.reconnectAttempt,
		ConnectorStatus:  make(map[int]ocpp16.ChargePointStatus, len(s.connectorStatus)),
		EffectiveLimits:  make(map[int]profile.Limit, len(s.limits)),
		Log:              s.logRing.Entries(),
	}
	if s.txID != nil {
		id := *s.txID
		snap.TransactionID = &id
	}
	for connector, status := range s.connectorStatus {
		snap.ConnectorStatus[connector] = status
	}
	for connector, limit := range s.limits {
		snap.EffectiveLimits[connector] = limit
	}
	return snap
}
