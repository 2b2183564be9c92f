package message

import (
	"encoding/json"

	"github.com/charging-platform/evse-simulator/internal/domain/events"
)

// EventProducer 向消息队列发布模拟器事件的接口
type EventProducer interface {
	// PublishEvent 异步发布一个事件
	PublishEvent(event events.Event) error
	// Close 关闭生产者
	Close() error
}

// Command 通过指令主题下发的控制指令
// Type对应控制API的操作名，SessionID为空时按ChargePointID寻址
type Command struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"sessionId,omitempty"`
	ChargePointID string          `json:"chargePointId,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Action        string          `json:"action,omitempty"`
	ConnectorID   int             `json:"connectorId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// 控制指令类型
const (
	CommandOpenSession  = "openSession"
	CommandCloseSession = "closeSession"
	CommandSendCall     = "sendCall"
	CommandSetProfile   = "setProfile"
	CommandClearProfile = "clearProfile"
	CommandStartBatch   = "startBatch"
	CommandStopBatch    = "stopBatch"
)

// CommandHandler 指令处理函数
type CommandHandler func(cmd *Command)
