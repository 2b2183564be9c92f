package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charging-platform/evse-simulator/internal/domain/events"
	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/evse-simulator/internal/domain/serialization"
)

// sendBootNotification 发送启动通知，接受后进入BOOTED并上报连接器状态
func (s *Session) sendBootNotification() {
	s.setState(events.StateBooting, "boot")

	fw := s.cfg.FirmwareVersion
	req := ocpp16.BootNotificationRequest{
		ChargePointVendor: s.cfg.Vendor,
		ChargePointModel:  s.cfg.Model,
	}
	if fw != "" {
		req.FirmwareVersion = &fw
	}
	s.sendCall(string(ocpp16.ActionBootNotification), req, 0, s.onBootResponse)
}

// onBootResponse 处理BootNotification响应
func (s *Session) onBootResponse(outcome CallOutcome) {
	if outcome.Err != nil || outcome.IsCallError() {
		s.log("warn", "boot notification failed, reconnecting")
		if s.conn != nil {
			s.conn.Close()
		}
		return
	}

	var resp ocpp16.BootNotificationResponse
	if err := serialization.DecodePayload(outcome.Payload, &resp); err != nil {
		s.log("warn", fmt.Sprintf("malformed boot response: %v", err))
		return
	}

	switch resp.Status {
	case ocpp16.RegistrationStatusAccepted:
		if resp.Interval > 0 {
			s.resetHeartbeat(time.Duration(resp.Interval) * time.Second)
		}
		s.setState(events.StateBooted, "boot accepted")
		s.setState(events.StateAvailable, "ready")
		for connector := 1; connector <= s.cfg.ConnectorCount; connector++ {
			s.sendStatusNotification(connector)
		}

	default:
		// Pending/Rejected：按返回的interval重试
		retry := time.Duration(resp.Interval) * time.Second
		if retry <= 0 {
			retry = 30 * time.Second
		}
		s.log("warn", fmt.Sprintf("boot %s, retrying in %s", resp.Status, retry))
		s.bootRetryCh = s.clk.After(retry)
	}
}

// resetHeartbeat 调整心跳周期
func (s *Session) resetHeartbeat(every time.Duration) {
	if every <= 0 || every == s.heartbeatEvery {
		return
	}
	s.heartbeatEvery = every
	s.heartbeatTicker.Stop()
	s.heartbeatTicker = s.clk.NewTicker(every)
	s.configKeys["HeartbeatInterval"].value = strconv.Itoa(int(every / time.Second))
}

// resetMeter 调整电表采样周期
func (s *Session) resetMeter(every time.Duration) {
	if every <= 0 || every == s.meterEvery {
		return
	}
	s.meterEvery = every
	s.meterTicker.Stop()
	s.meterTicker = s.clk.NewTicker(every)
	s.configKeys["MeterValueSampleInterval"].value = strconv.Itoa(int(every / time.Second))
}

// sendHeartbeat 发送心跳
func (s *Session) sendHeartbeat() {
	s.sendCall(string(ocpp16.ActionHeartbeat), ocpp16.HeartbeatRequest{}, 0, func(outcome CallOutcome) {
		if outcome.Err != nil {
			s.log("debug", fmt.Sprintf("heartbeat failed: %v", outcome.Err))
		}
	})
}

// sendStatusNotification 上报连接器当前状态
func (s *Session) sendStatusNotification(connectorID int) {
	status, ok := s.connectorStatus[connectorID]
	if !ok {
		return
	}
	ts := ocpp16.NewDateTime(s.clk.Now())
	req := ocpp16.StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   ocpp16.ChargePointErrorCodeNoError,
		Status:      status,
		Timestamp:   &ts,
	}
	s.sendCall(string(ocpp16.ActionStatusNotification), req, 0, func(CallOutcome) {})
}

// setConnectorStatus 更新连接器状态并上报
func (s *Session) setConnectorStatus(connectorID int, status ocpp16.ChargePointStatus) {
	if s.connectorStatus[connectorID] == status {
		return
	}
	s.connectorStatus[connectorID] = status
	s.sendStatusNotification(connectorID)
}

// startTransaction Authorize通过后发送StartTransaction
func (s *Session) startTransaction(connectorID int, idTag string) {
	if s.txID != nil {
		s.log("warn", "start requested while transaction active")
		return
	}
	if _, ok := s.connectorStatus[connectorID]; !ok {
		s.log("warn", fmt.Sprintf("start requested on unknown connector %d", connectorID))
		return
	}
	if s.availability[connectorID] == ocpp16.AvailabilityTypeInoperative {
		s.log("warn", fmt.Sprintf("start requested on inoperative connector %d", connectorID))
		return
	}
	if idTag == "" {
		idTag = s.cfg.IdTag
	}

	s.setState(events.StatePreparing, "preparing")
	s.setConnectorStatus(connectorID, ocpp16.ChargePointStatusPreparing)

	authReq := ocpp16.AuthorizeRequest{IdTag: idTag}
	s.sendCall(string(ocpp16.ActionAuthorize), authReq, 0, func(outcome CallOutcome) {
		if outcome.Err != nil || outcome.IsCallError() {
			s.abortPreparing(connectorID, "authorize failed")
			return
		}
		var resp ocpp16.AuthorizeResponse
		if err := serialization.DecodePayload(outcome.Payload, &resp); err != nil {
			s.abortPreparing(connectorID, "malformed authorize response")
			return
		}
		if resp.IdTagInfo.Status != ocpp16.AuthorizationStatusAccepted {
			s.abortPreparing(connectorID, fmt.Sprintf("id tag %s", resp.IdTagInfo.Status))
			return
		}
		s.sendStartTransaction(connectorID, idTag)
	})
}

// abortPreparing 交易启动失败回到AVAILABLE
func (s *Session) abortPreparing(connectorID int, reason string) {
	s.log("warn", fmt.Sprintf("transaction start aborted: %s", reason))
	s.setConnectorStatus(connectorID, ocpp16.ChargePointStatusAvailable)
	s.setState(events.StateAvailable, reason)
}

// sendStartTransaction 发送StartTransaction并在接受后进入CHARGING
func (s *Session) sendStartTransaction(connectorID int, idTag string) {
	req := ocpp16.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  int(s.meterWh),
		Timestamp:   ocpp16.NewDateTime(s.clk.Now()),
	}
	s.sendCall(string(ocpp16.ActionStartTransaction), req, 0, func(outcome CallOutcome) {
		if outcome.Err != nil || outcome.IsCallError() {
			s.abortPreparing(connectorID, "start transaction failed")
			return
		}
		var resp ocpp16.StartTransactionResponse
		if err := serialization.DecodePayload(outcome.Payload, &resp); err != nil {
			s.abortPreparing(connectorID, "malformed start transaction response")
			return
		}
		if resp.IdTagInfo.Status != ocpp16.AuthorizationStatusAccepted {
			s.abortPreparing(connectorID, fmt.Sprintf("start rejected: %s", resp.IdTagInfo.Status))
			return
		}

		txID := resp.TransactionId
		s.txID = &txID
		s.txConnector = connectorID
		s.txIdTag = idTag
		s.txStartWh = int(s.meterWh)
		s.engine.StartTransaction(connectorID, txID, s.clk.Now())
		s.setState(events.StateCharging, "transaction started")
		s.setConnectorStatus(connectorID, ocpp16.ChargePointStatusCharging)
		s.publishLimit(connectorID)
		s.log("info", fmt.Sprintf("transaction %d started on connector %d", txID, connectorID))
	})
}

// stopTransaction 发送StopTransaction并在响应后回到AVAILABLE
func (s *Session) stopTransaction(reason ocpp16.Reason) {
	if s.txID == nil {
		return
	}
	txID := *s.txID
	connectorID := s.txConnector
	idTag := s.txIdTag

	s.setState(events.StateFinishing, "stopping transaction")
	s.setConnectorStatus(connectorID, ocpp16.ChargePointStatusFinishing)

	req := ocpp16.StopTransactionRequest{
		MeterStop:     int(s.meterWh),
		Timestamp:     ocpp16.NewDateTime(s.clk.Now()),
		TransactionId: txID,
		Reason:        &reason,
	}
	if idTag != "" {
		req.IdTag = &idTag
	}
	s.sendCall(string(ocpp16.ActionStopTransaction), req, 0, func(outcome CallOutcome) {
		if outcome.Err != nil {
			s.log("warn", fmt.Sprintf("stop transaction %d failed: %v", txID, outcome.Err))
		}
		s.finishTransaction(connectorID)
	})
}

// finishTransaction 清理交易状态
func (s *Session) finishTransaction(connectorID int) {
	if removed := s.engine.EndTransaction(connectorID); len(removed) > 0 {
		s.log("info", fmt.Sprintf("tx profiles removed: %v", removed))
	}
	s.txID = nil
	s.txIdTag = ""
	s.txConnector = 0
	s.publishLimit(connectorID)
	s.setConnectorStatus(connectorID, ocpp16.ChargePointStatusAvailable)
	s.setState(events.StateAvailable, "transaction stopped")
}

// sendMeterValues 采样当前功率和累计电量并上报
// 功率取配置功率与有效限值的较小者，叠加噪声
func (s *Session) sendMeterValues(context ocpp16.ReadingContext) {
	if s.txID == nil {
		return
	}
	connectorID := s.txConnector

	power := s.cfg.MeterPowerW
	if limit, ok := s.limits[connectorID]; ok && !limit.Default && limit.LimitW < power {
		power = limit.LimitW
	}
	if s.cfg.MeterNoiseW > 0 {
		power += (s.rng.Float64()*2 - 1) * s.cfg.MeterNoiseW
	}
	if power < 0 {
		power = 0
	}

	// 电表读数在交易内单调不减
	s.meterWh += power * s.meterEvery.Hours()

	ctx := context
	energyUnit := ocpp16.UnitOfMeasureWh
	powerUnit := ocpp16.UnitOfMeasureW
	energyMeasurand := ocpp16.MeasurandEnergyActiveImportRegister
	powerMeasurand := ocpp16.MeasurandPowerActiveImport

	req := ocpp16.MeterValuesRequest{
		ConnectorId:   connectorID,
		TransactionId: s.txID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp: ocpp16.NewDateTime(s.clk.Now()),
			SampledValue: []ocpp16.SampledValue{
				{
					Value:     strconv.Itoa(int(s.meterWh)),
					Context:   &ctx,
					Measurand: &energyMeasurand,
					Unit:      &energyUnit,
				},
				{
					Value:     strconv.FormatFloat(power, 'f', 1, 64),
					Context:   &ctx,
					Measurand: &powerMeasurand,
					Unit:      &powerUnit,
				},
			},
		}},
	}
	s.sendCall(string(ocpp16.ActionMeterValues), req, 0, func(CallOutcome) {})
}

// handleTrigger 响应TriggerMessage请求的异步发送
func (s *Session) handleTrigger(trigger ocpp16.MessageTrigger, connectorID *int) {
	switch trigger {
	case ocpp16.MessageTriggerBootNotification:
		s.sendBootNotification()
	case ocpp16.MessageTriggerHeartbeat:
		s.sendHeartbeat()
	case ocpp16.MessageTriggerMeterValues:
		s.sendMeterValues(ocpp16.ReadingContextTrigger)
	case ocpp16.MessageTriggerStatusNotification:
		if connectorID != nil {
			s.sendStatusNotification(*connectorID)
			return
		}
		for connector := 1; connector <= s.cfg.ConnectorCount; connector++ {
			s.sendStatusNotification(connector)
		}
	}
}

// reboot Reset请求的善后：停交易、重新走Boot流程
func (s *Session) reboot(resetType ocpp16.ResetType) {
	reason := ocpp16.ReasonSoftReset
	if resetType == ocpp16.ResetTypeHard {
		reason = ocpp16.ReasonHardReset
	}
	if s.txID != nil {
		s.stopTransaction(reason)
	}
	s.deferTask(func() {
		if s.conn != nil {
			s.sendBootNotification()
		}
	})
}
