package resultchan

// ============================================================================
// 跨程序的訊息編碼（file / redis）
//
// 外層是 ResultMessage 的 JSON；payload 以 types.ArgsToStruct 標記型別後
// 用 protojson 寫出，讓 worker 回傳的 int64、[]float64 等在 governing
// process 端還原成同樣的 Go 型別，與 memory broker 一致。
// ============================================================================

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

type wireMessage struct {
	types.ResultMessage
	Payload json.RawMessage `json:"payload,omitempty"`
}

func marshalMessage(msg types.ResultMessage) ([]byte, error) {
	w := wireMessage{ResultMessage: msg}
	if msg.Payload != nil {
		st, err := types.ArgsToStruct(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		if w.Payload, err = protojson.Marshal(st); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	return json.Marshal(w)
}

func unmarshalMessage(data []byte) (types.ResultMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return types.ResultMessage{}, err
	}
	msg := w.ResultMessage
	msg.Payload = nil
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return msg, nil
	}
	var st structpb.Struct
	if err := protojson.Unmarshal(w.Payload, &st); err != nil {
		return types.ResultMessage{}, fmt.Errorf("decode payload: %w", err)
	}
	payload, err := types.ArgsFromStruct(&st)
	if err != nil {
		return types.ResultMessage{}, fmt.Errorf("decode payload: %w", err)
	}
	msg.Payload = payload
	return msg, nil
}
