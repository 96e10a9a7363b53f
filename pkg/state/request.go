package state

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/snapshot"
)

// 订阅请求被拒绝的原因
const (
	ReasonMalformed       = "malformed"
	ReasonBadType         = "bad_type"
	ReasonNegativeCursor  = "negative_cursor"
	ReasonInvalidTimezone = "invalid_timezone"
)

// Ack 订阅确认
type Ack struct {
	RuntimeEpoch string `json:"runtime_epoch"`
	SeqBase      int64  `json:"seq_base"`
}

// Push state_push 事件数据
type Push struct {
	RuntimeEpoch string             `json:"runtime_epoch"`
	Seq          int64              `json:"seq"`
	Snapshot     *snapshot.Snapshot `json:"snapshot"`
}

func reject(reason, message string) *errors.Error {
	return errors.ErrInvalidRequest.WithMessage(message).WithDetails(reason)
}

// ParseRequest 校验订阅请求
// context 为字符串或 null；游标为非负整数，缺省为 0；timezone 必须是非空的 IANA 时区名
func ParseRequest(raw json.RawMessage) (snapshot.Request, *errors.Error) {
	var req snapshot.Request

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return req, reject(ReasonMalformed, "subscription must be a JSON object")
	}

	if v, ok := fields["context"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &req.ContextID); err != nil {
			return req, reject(ReasonBadType, "context must be a string or null")
		}
	}

	var err *errors.Error
	if req.LogFrom, err = cursor(fields, "log_from"); err != nil {
		return req, err
	}
	if req.NotificationsFrom, err = cursor(fields, "notifications_from"); err != nil {
		return req, err
	}

	v, ok := fields["timezone"]
	if !ok || json.Unmarshal(v, &req.Timezone) != nil {
		return req, reject(ReasonBadType, "timezone must be a string")
	}
	if req.Timezone == "" {
		return req, reject(ReasonInvalidTimezone, "timezone must not be empty")
	}
	if _, tzErr := snapshot.LoadLocation(req.Timezone); tzErr != nil {
		return req, reject(ReasonInvalidTimezone, "unknown timezone "+strconv.Quote(req.Timezone))
	}

	return req, nil
}

func cursor(fields map[string]json.RawMessage, name string) (uint64, *errors.Error) {
	v, ok := fields[name]
	if !ok || isNull(v) {
		return 0, nil
	}
	var n json.Number
	if v = bytes.TrimSpace(v); len(v) > 0 && v[0] == '"' {
		return 0, reject(ReasonBadType, name+" must be an integer")
	}
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, reject(ReasonBadType, name+" must be an integer")
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, reject(ReasonBadType, name+" must be an integer")
	}
	if i < 0 {
		return 0, reject(ReasonNegativeCursor, name+" must not be negative")
	}
	return uint64(i), nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
