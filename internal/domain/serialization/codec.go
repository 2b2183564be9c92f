package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
)

// Frame 解码后的OCPP-J帧
// CALL: [2, messageId, action, payload]
// CALLRESULT: [3, messageId, payload]
// CALLERROR: [4, messageId, errorCode, errorDescription, errorDetails?]
type Frame struct {
	Type             ocpp16.MessageType
	MessageID        string
	Action           string          // 仅CALL
	Payload          json.RawMessage // CALL/CALLRESULT
	ErrorCode        string          // 仅CALLERROR
	ErrorDescription string          // 仅CALLERROR
	ErrorDetails     json.RawMessage // 仅CALLERROR
}

// FramingError 帧格式错误
type FramingError struct {
	Message string
	Cause   error
}

// Error 实现error接口
func (e *FramingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("framing error: %s (caused by: %v)", e.Message, e.Cause)
	}
	return fmt.Sprintf("framing error: %s", e.Message)
}

// Unwrap 返回底层错误
func (e *FramingError) Unwrap() error {
	return e.Cause
}

// UnknownFrameTypeError 消息类型不是2/3/4
type UnknownFrameTypeError struct {
	Type int
}

// Error 实现error接口
func (e *UnknownFrameTypeError) Error() string {
	return fmt.Sprintf("unknown frame type: %d", e.Type)
}

// emptyObject CALL缺少payload时的占位
var emptyObject = json.RawMessage(`{}`)

// Decode 解码OCPP-J帧
// 帧必须是至少2个元素的JSON数组，首元素为2/3/4，第二个元素为非空字符串
func Decode(data []byte) (*Frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, &FramingError{Message: "frame is not a JSON array", Cause: err}
	}

	if len(elements) < 2 {
		return nil, &FramingError{Message: fmt.Sprintf("frame has %d elements, need at least 2", len(elements))}
	}

	var msgType int
	if err := json.Unmarshal(elements[0], &msgType); err != nil {
		return nil, &FramingError{Message: "message type is not an integer", Cause: err}
	}

	if !ocpp16.MessageType(msgType).IsValid() {
		return nil, &UnknownFrameTypeError{Type: msgType}
	}

	var messageID string
	if err := json.Unmarshal(elements[1], &messageID); err != nil {
		return nil, &FramingError{Message: "message id is not a string", Cause: err}
	}
	if messageID == "" {
		return nil, &FramingError{Message: "message id is empty"}
	}

	frame := &Frame{Type: ocpp16.MessageType(msgType), MessageID: messageID}

	switch frame.Type {
	case ocpp16.Call:
		if len(elements) < 3 || len(elements) > 4 {
			return nil, &FramingError{Message: fmt.Sprintf("Call frame must have 3 or 4 elements, got %d", len(elements))}
		}
		if err := json.Unmarshal(elements[2], &frame.Action); err != nil {
			return nil, &FramingError{Message: "action is not a string", Cause: err}
		}
		if frame.Action == "" {
			return nil, &FramingError{Message: "action is empty"}
		}
		if len(elements) == 4 {
			frame.Payload = elements[3]
		} else {
			frame.Payload = emptyObject
		}

	case ocpp16.CallResult:
		if len(elements) > 3 {
			return nil, &FramingError{Message: fmt.Sprintf("CallResult frame must have 2 or 3 elements, got %d", len(elements))}
		}
		if len(elements) == 3 {
			frame.Payload = elements[2]
		} else {
			frame.Payload = emptyObject
		}

	case ocpp16.CallError:
		if len(elements) < 4 || len(elements) > 5 {
			return nil, &FramingError{Message: fmt.Sprintf("CallError frame must have 4 or 5 elements, got %d", len(elements))}
		}
		if err := json.Unmarshal(elements[2], &frame.ErrorCode); err != nil {
			return nil, &FramingError{Message: "error code is not a string", Cause: err}
		}
		if err := json.Unmarshal(elements[3], &frame.ErrorDescription); err != nil {
			return nil, &FramingError{Message: "error description is not a string", Cause: err}
		}
		if len(elements) == 5 {
			frame.ErrorDetails = elements[4]
		}
	}

	return frame, nil
}

// EncodeCall 编码CALL帧，输出紧凑JSON
func EncodeCall(messageID, action string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = emptyObject
	}
	return encodeArray(int(ocpp16.Call), messageID, action, payload)
}

// EncodeCallResult 编码CALLRESULT帧
func EncodeCallResult(messageID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = emptyObject
	}
	return encodeArray(int(ocpp16.CallResult), messageID, payload)
}

// EncodeCallError 编码CALLERROR帧
func EncodeCallError(messageID, errorCode, errorDescription string, errorDetails interface{}) ([]byte, error) {
	if errorDetails == nil {
		errorDetails = emptyObject
	}
	return encodeArray(int(ocpp16.CallError), messageID, errorCode, errorDescription, errorDetails)
}

// Encode 将解码后的帧重新编码，与Decode互为逆操作
func (f *Frame) Encode() ([]byte, error) {
	switch f.Type {
	case ocpp16.Call:
		return EncodeCall(f.MessageID, f.Action, f.Payload)
	case ocpp16.CallResult:
		return EncodeCallResult(f.MessageID, f.Payload)
	case ocpp16.CallError:
		var details interface{}
		if f.ErrorDetails != nil {
			details = f.ErrorDetails
		}
		return EncodeCallError(f.MessageID, f.ErrorCode, f.ErrorDescription, details)
	default:
		return nil, &UnknownFrameTypeError{Type: int(f.Type)}
	}
}

// encodeArray 序列化为紧凑JSON数组
func encodeArray(elements ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(elements); err != nil {
		return nil, &FramingError{Message: "failed to marshal frame", Cause: err}
	}
	// json.Encoder在末尾追加换行
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodePayload 反序列化payload到目标类型
func DecodePayload(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		data = emptyObject
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &FramingError{Message: "failed to unmarshal payload", Cause: err}
	}
	return nil
}

// EncodePayload 序列化payload
func EncodePayload(payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &FramingError{Message: "failed to marshal payload", Cause: err}
	}
	return data, nil
}
