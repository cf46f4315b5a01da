package protocol

import (
	"encoding/json"
	"fmt"
)

// ParseMessage は生のJSONデータをメッセージ型に変換する
func ParseMessage(data map[string]any) (Message, error) {
	msgType, ok := data["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing message type")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var msg Message
	switch msgType {
	case "user":
		msg = &UserMessage{}
	case "assistant":
		msg = &AssistantMessage{}
	case "stream_event":
		msg = &StreamEventMessage{}
	case "result":
		msg = &ResultMessage{}
	case "control_request":
		msg = &ControlRequest{}
	case "control_response":
		msg = &ControlResponse{}
	case "control_cancel_request":
		msg = &ControlCancelRequest{}
	case "system":
		return parseSystem(data), nil
	default:
		// 未知のメッセージ型は汎用マップで返す
		return &GenericMessage{Type: msgType, Data: data}, nil
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("parse %s message: %w", msgType, err)
	}
	return msg, nil
}

func parseSystem(data map[string]any) *SystemMessage {
	msg := &SystemMessage{
		Type:    "system",
		Subtype: stringField(data, "subtype"),
		Data:    make(map[string]any, len(data)),
	}
	for k, v := range data {
		if k == "type" || k == "subtype" {
			continue
		}
		msg.Data[k] = v
	}
	return msg
}

// GenericMessage は未知のメッセージ型を表す
type GenericMessage struct {
	Type string
	Data map[string]any
}

// MessageType はメッセージタイプを返す
func (m *GenericMessage) MessageType() string { return m.Type }
