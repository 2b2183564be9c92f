package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/domain/events"
	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/evse-simulator/internal/message"
	"github.com/charging-platform/evse-simulator/internal/metrics"
	"github.com/charging-platform/evse-simulator/internal/pool"
	"github.com/charging-platform/evse-simulator/internal/profile"
	"github.com/charging-platform/evse-simulator/internal/session"
)

// Service 核心控制API，供外部协作方（Kafka指令、CLI、RPC适配层）调用
type Service struct {
	pool     *pool.Pool
	eventBus *bus.Bus
	logger   zerolog.Logger
}

// NewService 创建控制服务
func NewService(sessionPool *pool.Pool, eventBus *bus.Bus, logger zerolog.Logger) *Service {
	return &Service{
		pool:     sessionPool,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "control").Logger(),
	}
}

// CreateSession 创建会话，返回sessionId
func (s *Service) CreateSession(cfg session.Config) (string, error) {
	sess, err := s.pool.CreateSession(cfg)
	if err != nil {
		s.count("createSession", "error")
		return "", err
	}
	s.count("createSession", "ok")
	return sess.ID(), nil
}

// OpenSession 请求会话建立连接
func (s *Service) OpenSession(sessionID string) error {
	sess, err := s.resolve(sessionID)
	if err != nil {
		s.count("openSession", "error")
		return err
	}
	if err := sess.Open(); err != nil {
		s.count("openSession", "error")
		return err
	}
	s.count("openSession", "ok")
	return nil
}

// CloseSession 关闭会话
func (s *Service) CloseSession(sessionID, reason string) error {
	sess, err := s.resolve(sessionID)
	if err != nil {
		s.count("closeSession", "error")
		return err
	}
	if err := sess.Close(reason); err != nil {
		s.count("closeSession", "error")
		return err
	}
	s.count("closeSession", "ok")
	return nil
}

// SendCall 通过会话发送出站CALL，返回CALLRESULT的payload
// CALLERROR按session.Error的KindCallError语义返回错误
func (s *Service) SendCall(sessionID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	sess, err := s.resolve(sessionID)
	if err != nil {
		s.count("sendCall", "error")
		return nil, err
	}

	var body interface{} = payload
	if len(payload) == 0 {
		body = struct{}{}
	}
	outcome, err := sess.SendCall(action, body, timeout)
	if err != nil {
		s.count("sendCall", "error")
		return nil, err
	}
	if outcome.IsCallError() {
		s.count("sendCall", "call_error")
		return nil, fmt.Errorf("call %s rejected: %s %s", action, outcome.ErrorCode, outcome.ErrorDescription)
	}
	s.count("sendCall", "ok")
	return outcome.Payload, nil
}

// SetProfile 向会话安装充电配置文件
func (s *Service) SetProfile(sessionID string, connectorID int, prof ocpp16.ChargingProfile) (profile.SetStatus, error) {
	sess, err := s.resolve(sessionID)
	if err != nil {
		s.count("setProfile", "error")
		return profile.SetRejected, err
	}
	status, err := sess.SetProfile(connectorID, prof)
	if err != nil {
		s.count("setProfile", "error")
		return profile.SetRejected, err
	}
	s.count("setProfile", string(status))
	return status, nil
}

// ClearProfile 按条件清除配置文件
func (s *Service) ClearProfile(sessionID string, criteria profile.ClearCriteria) ([]int, error) {
	sess, err := s.resolve(sessionID)
	if err != nil {
		s.count("clearProfile", "error")
		return nil, err
	}
	cleared, err := sess.ClearProfile(criteria)
	if err != nil {
		s.count("clearProfile", "error")
		return nil, err
	}
	s.count("clearProfile", "ok")
	return cleared, nil
}

// GetCompositeSchedule 计算会话某连接器的复合计划
func (s *Service) GetCompositeSchedule(sessionID string, connectorID int, duration time.Duration, unit ocpp16.ChargingRateUnit) (ocpp16.ChargingSchedule, error) {
	sess, err := s.resolve(sessionID)
	if err != nil {
		s.count("getCompositeSchedule", "error")
		return ocpp16.ChargingSchedule{}, err
	}
	schedule, err := sess.CompositeSchedule(connectorID, duration, unit)
	if err != nil {
		s.count("getCompositeSchedule", "error")
		return ocpp16.ChargingSchedule{}, err
	}
	s.count("getCompositeSchedule", "ok")
	return schedule, nil
}

// Subscribe 订阅事件流
func (s *Service) Subscribe(bufferSize int, topics ...events.Topic) *bus.Subscription {
	return s.eventBus.Subscribe(bufferSize, topics...)
}

// Snapshot 获取会话的不可变视图
func (s *Service) Snapshot(sessionID string) (session.Snapshot, error) {
	sess, err := s.resolve(sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot()
}

// StartBatch 启动批量场景
func (s *Service) StartBatch(spec pool.BatchSpec) error {
	if err := s.pool.StartBatch(spec); err != nil {
		s.count("startBatch", "error")
		return err
	}
	s.count("startBatch", "ok")
	return nil
}

// StopBatch 停止批量场景
func (s *Service) StopBatch() {
	s.pool.StopBatch()
	s.count("stopBatch", "ok")
}

// resolve 按sessionId查找会话，找不到时尝试chargePointId
func (s *Service) resolve(sessionID string) (*session.Session, error) {
	if sess, ok := s.pool.Get(sessionID); ok {
		return sess, nil
	}
	if sess, ok := s.pool.GetByChargePoint(sessionID); ok {
		return sess, nil
	}
	return nil, pool.ErrSessionNotFound
}

func (s *Service) count(command, outcome string) {
	metrics.ControlCommands.WithLabelValues(command, outcome).Inc()
}

// HandleCommand 处理消息队列下发的控制指令
// 实现message.CommandHandler，错误只记录日志，指令不重放
func (s *Service) HandleCommand(cmd *message.Command) {
	target := cmd.SessionID
	if target == "" {
		target = cmd.ChargePointID
	}
	log := s.logger.With().Str("type", cmd.Type).Str("target", target).Logger()

	var err error
	switch cmd.Type {
	case message.CommandOpenSession:
		err = s.OpenSession(target)

	case message.CommandCloseSession:
		err = s.CloseSession(target, cmd.Reason)

	case message.CommandSendCall:
		_, err = s.SendCall(target, cmd.Action, cmd.Payload, 0)

	case message.CommandSetProfile:
		var prof ocpp16.ChargingProfile
		if err = json.Unmarshal(cmd.Payload, &prof); err == nil {
			_, err = s.SetProfile(target, cmd.ConnectorID, prof)
		}

	case message.CommandClearProfile:
		var criteria profile.ClearCriteria
		if len(cmd.Payload) > 0 {
			err = json.Unmarshal(cmd.Payload, &criteria)
		}
		if err == nil {
			_, err = s.ClearProfile(target, criteria)
		}

	case message.CommandStartBatch:
		var spec pool.BatchSpec
		if err = json.Unmarshal(cmd.Payload, &spec); err == nil {
			err = s.StartBatch(spec)
		}

	case message.CommandStopBatch:
		s.StopBatch()

	default:
		log.Warn().Msg("Unknown control command")
		s.count("unknown", "error")
		return
	}

	if err != nil {
		log.Warn().Err(err).Msg("Control command failed")
		return
	}
	log.Debug().Msg("Control command processed")
}
