package tnr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charging-platform/evse-simulator/internal/domain/events"
	"github.com/charging-platform/evse-simulator/internal/domain/serialization"
)

// Record 归一化后的单条录制记录
// 会话id和消息id在两次运行之间不可复现，录制时把会话id映射为
// 出现顺序别名（S1、S2...），比较只看确定性字段
type Record struct {
	Seq       int64           `json:"seq"`
	Topic     string          `json:"topic"`
	Session   string          `json:"session,omitempty"`
	Action    string          `json:"action,omitempty"`
	Direction string          `json:"direction,omitempty"`
	FrameType int             `json:"frameType,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Connector int             `json:"connector,omitempty"`
	LimitW    float64         `json:"limitW,omitempty"`
	ProfileID int             `json:"profileId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// key 参与回放比较的确定性部分
func (r Record) key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s|%d|%d|%.1f",
		r.Topic, r.Session, r.Action, r.Direction, r.FrameType,
		r.From, r.To, r.Connector, r.ProfileID, r.LimitW)
}

// normalizer 事件到记录的转换，维护会话别名表
type normalizer struct {
	seq     int64
	aliases map[string]string
}

func newNormalizer() *normalizer {
	return &normalizer{aliases: make(map[string]string)}
}

func (n *normalizer) alias(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	if alias, ok := n.aliases[sessionID]; ok {
		return alias
	}
	alias := fmt.Sprintf("S%d", len(n.aliases)+1)
	n.aliases[sessionID] = alias
	return alias
}

// normalize 把总线事件转换为记录，不认识的事件返回false
func (n *normalizer) normalize(event events.Event) (Record, bool) {
	n.seq++
	record := Record{
		Seq:   n.seq,
		Topic: string(event.EventTopic()),
		At:    event.EventTime(),
	}

	switch e := event.(type) {
	case *events.SessionEvent:
		record.Session = n.alias(e.SessionID)
		record.From = string(e.From)
		record.To = string(e.To)

	case *events.FrameEvent:
		record.Session = n.alias(e.SessionID)
		record.Action = e.Action
		record.Direction = string(e.Direction)
		if frame, err := serialization.Decode(e.Raw); err == nil {
			record.FrameType = int(frame.Type)
			record.Payload = frame.Payload
			if record.Action == "" {
				record.Action = frame.Action
			}
		}

	case *events.LimitEvent:
		record.Session = n.alias(e.SessionID)
		record.Connector = e.ConnectorID
		record.LimitW = e.LimitW
		record.ProfileID = e.ProfileID

	case *events.MetricsTickEvent:
		// 指标快照依赖运行时机，不参与录制
		n.seq--
		return Record{}, false

	default:
		n.seq--
		return Record{}, false
	}
	return record, true
}
