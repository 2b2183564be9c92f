package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// CallOutcome 出站CALL的最终结果：CALLRESULT、CALLERROR或本地错误
type CallOutcome struct {
	Payload          json.RawMessage // CALLRESULT payload
	ErrorCode        string          // CALLERROR错误码
	ErrorDescription string
	ErrorDetails     json.RawMessage
	Err              *Error // 本地错误：CallTimeout/Cancelled等
	RTT              time.Duration
}

// IsCallError CALLERROR结果
func (o CallOutcome) IsCallError() bool {
	return o.Err == nil && o.ErrorCode != ""
}

// pendingCall 待响应的出站CALL
type pendingCall struct {
	action   string
	sentAt   time.Time
	deadline time.Time
	deliver  func(CallOutcome)
}

// PendingRegistry 出站CALL待响应表
// 仅由会话goroutine访问，不加锁
type PendingRegistry struct {
	limit int
	calls map[string]*pendingCall
}

// NewPendingRegistry 创建待响应表，limit<=0时使用256
func NewPendingRegistry(limit int) *PendingRegistry {
	if limit <= 0 {
		limit = 256
	}
	return &PendingRegistry{
		limit: limit,
		calls: make(map[string]*pendingCall),
	}
}

// Register 登记出站CALL
// 重复的消息id或超出上限时返回错误，不产生任何线缆副作用
func (r *PendingRegistry) Register(messageID, action string, sentAt, deadline time.Time, deliver func(CallOutcome)) *Error {
	if _, exists := r.calls[messageID]; exists {
		return NewError(KindInternal, fmt.Sprintf("duplicate message id %s", messageID))
	}
	if len(r.calls) >= r.limit {
		return NewError(KindTooManyPending, fmt.Sprintf("pending call limit %d reached", r.limit))
	}
	r.calls[messageID] = &pendingCall{
		action:   action,
		sentAt:   sentAt,
		deadline: deadline,
		deliver:  deliver,
	}
	return nil
}

// Resolve 投递匹配的响应，返回动作名和是否命中
func (r *PendingRegistry) Resolve(messageID string, outcome CallOutcome, now time.Time) (string, bool) {
	call, ok := r.calls[messageID]
	if !ok {
		return "", false
	}
	delete(r.calls, messageID)
	outcome.RTT = now.Sub(call.sentAt)
	call.deliver(outcome)
	return call.action, true
}

// Sweep 使过期的CALL以CallTimeout失败，返回超时的动作名
func (r *PendingRegistry) Sweep(now time.Time) []string {
	var timedOut []string
	for messageID, call := range r.calls {
		if call.deadline.After(now) {
			continue
		}
		delete(r.calls, messageID)
		timedOut = append(timedOut, call.action)
		call.deliver(CallOutcome{
			Err: NewError(KindCallTimeout, fmt.Sprintf("no response to %s within deadline", call.action)),
			RTT: now.Sub(call.sentAt),
		})
	}
	return timedOut
}

// FailAll 使全部待响应CALL以指定类别失败
func (r *PendingRegistry) FailAll(kind ErrorKind, reason string) {
	for messageID, call := range r.calls {
		delete(r.calls, messageID)
		call.deliver(CallOutcome{Err: NewError(kind, reason)})
	}
}

// Len 当前待响应数量
func (r *PendingRegistry) Len() int {
	return len(r.calls)
}
