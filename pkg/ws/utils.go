package ws

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/google/uuid"
)

// newID 生成事件 ID / 关联 ID
func newID() string {
	return uuid.NewString()
}

// preview 序列化并截断到 limit 字节，保证不截断 UTF-8 字符
func preview(v any, limit int) string {
	var s string
	switch t := v.(type) {
	case json.RawMessage:
		s = string(t)
	case []byte:
		s = string(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		s = string(b)
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// mustJSON 编码内部构造的载荷，失败时返回 null
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
