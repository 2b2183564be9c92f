package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/evse-simulator/internal/domain/serialization"
	"github.com/charging-platform/evse-simulator/internal/profile"
)

// HandlerFunc 入站CALL处理器，返回CALLRESULT payload或错误
// 处理器只修改会话状态和配置文件存储，不直接写socket
type HandlerFunc func(s *Session, payload json.RawMessage) (interface{}, *Error)

// HandlerRegistry 动作名到处理器的只读映射表
// 启动后不再修改，可被所有会话共享
type HandlerRegistry struct {
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry 创建并注册全部默认处理器
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
	r.Register(string(ocpp16.ActionReset), handleReset)
	r.Register(string(ocpp16.ActionChangeAvailability), handleChangeAvailability)
	r.Register(string(ocpp16.ActionChangeConfiguration), handleChangeConfiguration)
	r.Register(string(ocpp16.ActionGetConfiguration), handleGetConfiguration)
	r.Register(string(ocpp16.ActionRemoteStartTransaction), handleRemoteStartTransaction)
	r.Register(string(ocpp16.ActionRemoteStopTransaction), handleRemoteStopTransaction)
	r.Register(string(ocpp16.ActionUnlockConnector), handleUnlockConnector)
	r.Register(string(ocpp16.ActionTriggerMessage), handleTriggerMessage)
	r.Register(string(ocpp16.ActionSetChargingProfile), handleSetChargingProfile)
	r.Register(string(ocpp16.ActionClearChargingProfile), handleClearChargingProfile)
	r.Register(string(ocpp16.ActionGetCompositeSchedule), handleGetCompositeSchedule)
	r.Register(string(ocpp16.ActionDataTransfer), handleDataTransfer)
	return r
}

// Register 注册处理器，仅应在启动期调用
func (r *HandlerRegistry) Register(action string, handler HandlerFunc) {
	r.handlers[action] = handler
}

// Get 查找处理器
func (r *HandlerRegistry) Get(action string) (HandlerFunc, bool) {
	handler, ok := r.handlers[action]
	return handler, ok
}

// Actions 已注册的动作名
func (r *HandlerRegistry) Actions() []string {
	actions := make([]string, 0, len(r.handlers))
	for action := range r.handlers {
		actions = append(actions, action)
	}
	return actions
}

// decode 反序列化并校验payload
func (s *Session) decode(payload json.RawMessage, target interface{}) *Error {
	if err := serialization.DecodePayload(payload, target); err != nil {
		return WrapError(KindValidation, "malformed payload", err)
	}
	if err := s.validator.ValidateStruct(target); err != nil {
		return WrapError(KindValidation, err.Error(), err)
	}
	return nil
}

// handleReset 接受重置，善后动作在响应写出后执行
func handleReset(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.ResetRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}
	resetType := req.Type
	s.deferTask(func() { s.reboot(resetType) })
	return ocpp16.ResetResponse{Status: ocpp16.ResetStatusAccepted}, nil
}

// handleChangeAvailability 连接器0指整桩
// 交易进行中的连接器返回Scheduled，交易结束后生效
func handleChangeAvailability(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.ChangeAvailabilityRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	var targets []int
	if req.ConnectorId == 0 {
		for connector := range s.connectorStatus {
			targets = append(targets, connector)
		}
	} else {
		if _, ok := s.connectorStatus[req.ConnectorId]; !ok {
			return ocpp16.ChangeAvailabilityResponse{Status: ocpp16.AvailabilityStatusRejected}, nil
		}
		targets = []int{req.ConnectorId}
	}

	status := ocpp16.AvailabilityStatusAccepted
	for _, connector := range targets {
		if s.txID != nil && s.txConnector == connector && req.Type == ocpp16.AvailabilityTypeInoperative {
			status = ocpp16.AvailabilityStatusScheduled
			continue
		}
		connector := connector
		availType := req.Type
		s.availability[connector] = availType
		s.deferTask(func() {
			if availType == ocpp16.AvailabilityTypeInoperative {
				s.setConnectorStatus(connector, ocpp16.ChargePointStatusUnavailable)
			} else {
				s.setConnectorStatus(connector, ocpp16.ChargePointStatusAvailable)
			}
		})
	}
	return ocpp16.ChangeAvailabilityResponse{Status: status}, nil
}

// handleChangeConfiguration 可写键生效，只读键Rejected，未知键NotSupported
func handleChangeConfiguration(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.ChangeConfigurationRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	entry, ok := s.configKeys[req.Key]
	if !ok {
		return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusNotSupported}, nil
	}
	if entry.readonly {
		return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}, nil
	}

	switch req.Key {
	case "HeartbeatInterval":
		seconds, err := strconv.Atoi(req.Value)
		if err != nil || seconds < 1 {
			return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}, nil
		}
		s.resetHeartbeat(time.Duration(seconds) * time.Second)
	case "MeterValueSampleInterval":
		seconds, err := strconv.Atoi(req.Value)
		if err != nil || seconds < 1 {
			return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}, nil
		}
		s.resetMeter(time.Duration(seconds) * time.Second)
	default:
		entry.value = req.Value
	}
	return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusAccepted}, nil
}

// handleGetConfiguration 反射本地配置键
func handleGetConfiguration(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.GetConfigurationRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	var resp ocpp16.GetConfigurationResponse
	appendKey := func(key string, entry *configEntry) {
		value := entry.value
		resp.ConfigurationKey = append(resp.ConfigurationKey, ocpp16.KeyValue{
			Key:      key,
			Readonly: entry.readonly,
			Value:    &value,
		})
	}

	if len(req.Key) == 0 {
		for key, entry := range s.configKeys {
			appendKey(key, entry)
		}
		return resp, nil
	}
	for _, key := range req.Key {
		if entry, ok := s.configKeys[key]; ok {
			appendKey(key, entry)
		} else {
			resp.UnknownKey = append(resp.UnknownKey, key)
		}
	}
	return resp, nil
}

// handleRemoteStartTransaction 附带的ChargingProfile转交配置文件引擎
func handleRemoteStartTransaction(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.RemoteStartTransactionRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	if s.txID != nil || !s.booted() {
		return ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, nil
	}

	connectorID := 1
	if req.ConnectorId != nil {
		connectorID = *req.ConnectorId
	}
	if _, ok := s.connectorStatus[connectorID]; !ok {
		return ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, nil
	}
	if s.availability[connectorID] == ocpp16.AvailabilityTypeInoperative {
		return ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, nil
	}

	if req.ChargingProfile != nil {
		if status := s.engine.Set(connectorID, *req.ChargingProfile, s.clk.Now()); status != profile.SetAccepted {
			return ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, nil
		}
	}

	idTag := req.IdTag
	s.deferTask(func() { s.startTransaction(connectorID, idTag) })
	return ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, nil
}

// handleRemoteStopTransaction 交易id必须匹配
func handleRemoteStopTransaction(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.RemoteStopTransactionRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	if s.txID == nil || *s.txID != req.TransactionId {
		return ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, nil
	}
	s.deferTask(func() { s.stopTransaction(ocpp16.ReasonRemote) })
	return ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, nil
}

// handleUnlockConnector 交易进行中先停交易再解锁
func handleUnlockConnector(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.UnlockConnectorRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	if _, ok := s.connectorStatus[req.ConnectorId]; !ok {
		return ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusNotSupported}, nil
	}
	if s.txID != nil && s.txConnector == req.ConnectorId {
		s.deferTask(func() { s.stopTransaction(ocpp16.ReasonEVDisconnected) })
	}
	return ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusUnlocked}, nil
}

// handleTriggerMessage 触发的出站消息在响应之后异步发送
func handleTriggerMessage(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.TriggerMessageRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	switch req.RequestedMessage {
	case ocpp16.MessageTriggerBootNotification,
		ocpp16.MessageTriggerHeartbeat,
		ocpp16.MessageTriggerMeterValues,
		ocpp16.MessageTriggerStatusNotification:
	default:
		return ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusNotImplemented}, nil
	}

	trigger := req.RequestedMessage
	connectorID := req.ConnectorId
	s.deferTask(func() { s.handleTrigger(trigger, connectorID) })
	return ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusAccepted}, nil
}

// handleSetChargingProfile 转交引擎并在接受后发布限值
func handleSetChargingProfile(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.SetChargingProfileRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	// TxProfile不允许落在连接器0
	if req.ConnectorId == 0 &&
		req.CsChargingProfiles.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
		return ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}, nil
	}

	status := s.engine.Set(req.ConnectorId, req.CsChargingProfiles, s.clk.Now())
	if status != profile.SetAccepted {
		return ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}, nil
	}
	connectorID := req.ConnectorId
	s.deferTask(func() { s.publishLimit(connectorID) })
	return ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusAccepted}, nil
}

// handleClearChargingProfile 条件全匹配才清除，无命中返回Unknown
func handleClearChargingProfile(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.ClearChargingProfileRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	cleared := s.engine.Clear(profile.ClearCriteria{
		ID:          req.Id,
		ConnectorID: req.ConnectorId,
		Purpose:     req.ChargingProfilePurpose,
		StackLevel:  req.StackLevel,
	})
	if len(cleared) == 0 {
		return ocpp16.ClearChargingProfileResponse{Status: ocpp16.ClearChargingProfileStatusUnknown}, nil
	}
	s.log("info", fmt.Sprintf("cleared profiles: %v", cleared))
	s.deferTask(func() {
		for connector := range s.connectorStatus {
			s.publishLimit(connector)
		}
	})
	return ocpp16.ClearChargingProfileResponse{Status: ocpp16.ClearChargingProfileStatusAccepted}, nil
}

// handleGetCompositeSchedule 即使窗口内无活动配置文件也返回Accepted
func handleGetCompositeSchedule(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.GetCompositeScheduleRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}

	unit := ocpp16.ChargingRateUnitW
	if req.ChargingRateUnit != nil {
		unit = *req.ChargingRateUnit
	}
	now := s.clk.Now()
	schedule := s.engine.CompositeSchedule(req.ConnectorId, time.Duration(req.Duration)*time.Second, unit, now)

	connectorID := req.ConnectorId
	start := ocpp16.NewDateTime(now)
	return ocpp16.GetCompositeScheduleResponse{
		Status:           ocpp16.GetCompositeScheduleStatusAccepted,
		ConnectorId:      &connectorID,
		ScheduleStart:    &start,
		ChargingSchedule: &schedule,
	}, nil
}

// handleDataTransfer 模拟器不识别任何vendor协议
func handleDataTransfer(s *Session, payload json.RawMessage) (interface{}, *Error) {
	var req ocpp16.DataTransferRequest
	if err := s.decode(payload, &req); err != nil {
		return nil, err
	}
	return ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusUnknownVendorId}, nil
}
