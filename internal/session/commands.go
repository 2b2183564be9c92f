package session

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/evse-simulator/internal/profile"
)

// command 会话inbox上的命令，仅由会话goroutine消费
type command interface {
	isCommand()
}

type openCmd struct{}

type closeCmd struct {
	reason string
}

type sendCallCmd struct {
	action  string
	payload interface{}
	timeout time.Duration
	deliver func(CallOutcome)
}

type frameInCmd struct {
	data []byte
}

type socketClosedCmd struct {
	conn *websocket.Conn
	err  error
}

type snapshotCmd struct {
	reply chan Snapshot
}

type triggerCmd struct {
	trigger     ocpp16.MessageTrigger
	connectorID *int
}

type startTxCmd struct {
	connectorID int
	idTag       string
}

type stopTxCmd struct {
	reason ocpp16.Reason
}

type setProfileCmd struct {
	connectorID int
	prof        ocpp16.ChargingProfile
	reply       chan profile.SetStatus
}

type clearProfileCmd struct {
	criteria profile.ClearCriteria
	reply    chan []int
}

type compositeCmd struct {
	connectorID int
	duration    time.Duration
	unit        ocpp16.ChargingRateUnit
	reply       chan ocpp16.ChargingSchedule
}

func (openCmd) isCommand()         {}
func (closeCmd) isCommand()        {}
func (sendCallCmd) isCommand()     {}
func (frameInCmd) isCommand()      {}
func (socketClosedCmd) isCommand() {}
func (snapshotCmd) isCommand()     {}
func (triggerCmd) isCommand()      {}
func (startTxCmd) isCommand()      {}
func (stopTxCmd) isCommand()       {}
func (setProfileCmd) isCommand()   {}
func (clearProfileCmd) isCommand() {}
func (compositeCmd) isCommand()    {}

// enqueue 非阻塞投递，inbox满返回Busy，会话关闭返回Cancelled
func (s *Session) enqueue(cmd command) *Error {
	select {
	case <-s.done:
		return NewError(KindCancelled, "session closed")
	default:
	}
	select {
	case s.inbox <- cmd:
		return nil
	case <-s.done:
		return NewError(KindCancelled, "session closed")
	default:
		return NewError(KindBusy, "session inbox full")
	}
}

// enqueueBlocking 阻塞投递，供内部读goroutine保序使用
func (s *Session) enqueueBlocking(cmd command) {
	select {
	case s.inbox <- cmd:
	case <-s.done:
	}
}

// Open 请求建立连接
func (s *Session) Open() error {
	if err := s.enqueue(openCmd{}); err != nil {
		return err
	}
	return nil
}

// Close 请求关闭会话，不触发重连
func (s *Session) Close(reason string) error {
	if err := s.enqueue(closeCmd{reason: reason}); err != nil {
		if IsKind(err, KindCancelled) {
			return nil
		}
		return err
	}
	return nil
}

// CloseBlocking 阻塞投递关闭命令，inbox拥塞时等待而不是返回Busy
// 供池拆除使用，保证随后的Wait必然返回
func (s *Session) CloseBlocking(reason string) {
	s.enqueueBlocking(closeCmd{reason: reason})
}

// SendCall 发送出站CALL并等待结果
// timeout<=0时使用会话默认的CALL超时
func (s *Session) SendCall(action string, payload interface{}, timeout time.Duration) (CallOutcome, error) {
	reply := make(chan CallOutcome, 1)
	cmd := sendCallCmd{
		action:  action,
		payload: payload,
		timeout: timeout,
		deliver: func(outcome CallOutcome) { reply <- outcome },
	}
	if err := s.enqueue(cmd); err != nil {
		return CallOutcome{}, err
	}
	select {
	case outcome := <-reply:
		if outcome.Err != nil {
			return outcome, outcome.Err
		}
		return outcome, nil
	case <-s.done:
		return CallOutcome{}, NewError(KindCancelled, "session closed")
	}
}

// Snapshot 获取不可变的会话视图
func (s *Session) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.enqueue(snapshotCmd{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return Snapshot{}, NewError(KindCancelled, "session closed")
	}
}

// SetProfile 向会话的配置文件分区写入配置文件
func (s *Session) SetProfile(connectorID int, prof ocpp16.ChargingProfile) (profile.SetStatus, error) {
	reply := make(chan profile.SetStatus, 1)
	if err := s.enqueue(setProfileCmd{connectorID: connectorID, prof: prof, reply: reply}); err != nil {
		return profile.SetRejected, err
	}
	select {
	case status := <-reply:
		return status, nil
	case <-s.done:
		return profile.SetRejected, NewError(KindCancelled, "session closed")
	}
}

// ClearProfile 按条件清除配置文件，返回被清除的id
func (s *Session) ClearProfile(criteria profile.ClearCriteria) ([]int, error) {
	reply := make(chan []int, 1)
	if err := s.enqueue(clearProfileCmd{criteria: criteria, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case cleared := <-reply:
		return cleared, nil
	case <-s.done:
		return nil, NewError(KindCancelled, "session closed")
	}
}

// CompositeSchedule 计算复合计划
func (s *Session) CompositeSchedule(connectorID int, duration time.Duration, unit ocpp16.ChargingRateUnit) (ocpp16.ChargingSchedule, error) {
	reply := make(chan ocpp16.ChargingSchedule, 1)
	if err := s.enqueue(compositeCmd{connectorID: connectorID, duration: duration, unit: unit, reply: reply}); err != nil {
		return ocpp16.ChargingSchedule{}, err
	}
	select {
	case schedule := <-reply:
		return schedule, nil
	case <-s.done:
		return ocpp16.ChargingSchedule{}, NewError(KindCancelled, "session closed")
	}
}

// StartTransaction 请求在连接器上开始交易
func (s *Session) StartTransaction(connectorID int, idTag string) error {
	if err := s.enqueue(startTxCmd{connectorID: connectorID, idTag: idTag}); err != nil {
		return err
	}
	return nil
}

// StopTransaction 请求停止当前交易
func (s *Session) StopTransaction(reason ocpp16.Reason) error {
	if err := s.enqueue(stopTxCmd{reason: reason}); err != nil {
		return err
	}
	return nil
}
