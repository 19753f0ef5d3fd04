package socket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// Push is an unsolicited server frame announcing a change.
type Push struct {
	Kind     int
	KindName string
	ID       string
	Time     int64
	Content  json.RawMessage
	IsTail   bool
}

// Numeric change kinds, used when a push carries no KindName.
var pushKinds = map[int]model.ChangeType{
	0: model.Added,
	1: model.Modified,
	2: model.Removed,
}

// ChangeType resolves the push's change type, preferring KindName.
func (p Push) ChangeType() (model.ChangeType, bool) {
	if p.KindName != "" {
		return model.ParseChangeType(p.KindName)
	}
	changeType, ok := pushKinds[p.Kind]
	return changeType, ok
}

// Message reshapes the push into {...Content, changeType: KindName}.
func (p Push) Message() (model.Message, error) {
	changeType, ok := p.ChangeType()
	if !ok {
		return model.Message{}, model.ProtocolError("decode push", fmt.Sprintf("unknown change kind %q/%d", p.KindName, p.Kind))
	}
	if len(p.Content) == 0 || bytes.Equal(p.Content, []byte("null")) {
		return model.Message{}, model.ProtocolError("decode push", "push without content")
	}
	var msg model.Message
	if err := json.Unmarshal(p.Content, &msg); err != nil {
		return model.Message{}, model.ProtocolError("decode push", "malformed push content").WithCause(err)
	}
	if msg.Key == "" {
		msg.Key = p.ID
	}
	if msg.Key == "" {
		return model.Message{}, model.ProtocolError("decode push", "push without message key")
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = p.Time
	}
	msg.ChangeType = changeType
	return msg, nil
}

// inboundFrame is the union of a correlated reply and a push. Replies carry
// key; pushes carry Kind/KindName.
type inboundFrame struct {
	Key      string          `json:"key"`
	Cmd      string          `json:"cmd"`
	Data     json.RawMessage `json:"data"`
	Error    json.RawMessage `json:"error"`
	Kind     *int            `json:"Kind"`
	KindName string          `json:"KindName"`
	ID       string          `json:"ID"`
	Time     json.RawMessage `json:"Time"`
	Content  json.RawMessage `json:"Content"`
	IsTail   bool            `json:"IsTail"`
}

func (f *inboundFrame) isPush() bool {
	return f.KindName != "" || f.Kind != nil || len(f.Content) > 0
}

func (f *inboundFrame) push() Push {
	p := Push{
		KindName: f.KindName,
		ID:       f.ID,
		Time:     parseTime(f.Time),
		Content:  f.Content,
		IsTail:   f.IsTail,
	}
	if f.Kind != nil {
		p.Kind = *f.Kind
	}
	return p
}

// replyError extracts the error of a reply, nil when the reply succeeded.
func (f *inboundFrame) replyError() error {
	raw := bytes.TrimSpace(f.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		var object struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &object) == nil && object.Message != "" {
			text = object.Message
		} else {
			text = string(raw)
		}
	}
	return model.ProtocolError("socket "+f.Cmd, "server rejected request: "+text)
}

// parseTime accepts unix milliseconds as a number or a numeric string.
func parseTime(raw json.RawMessage) int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// encodeCommand builds {...params, cmd, key}. cmd and key always win over
// same-named params.
func encodeCommand(command, key string, params map[string]interface{}) ([]byte, error) {
	envelope := make(map[string]interface{}, len(params)+2)
	for name, value := range params {
		envelope[name] = value
	}
	envelope["cmd"] = command
	envelope["key"] = key
	return json.Marshal(envelope)
}

// NormalizeEndpoint converts http(s) URLs to ws(s) and appends params to the
// query string in a stable order, so the same room always maps to the same
// registry key.
func NormalizeEndpoint(endpoint string, params map[string]interface{}) (string, error) {
	address, err := url.Parse(endpoint)
	if err != nil {
		return "", model.ValidationError("normalize endpoint", "invalid endpoint URL").WithCause(err)
	}

	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", model.ValidationError("normalize endpoint", "unsupported scheme: "+address.Scheme)
	}
	if address.Host == "" {
		return "", model.ValidationError("normalize endpoint", "endpoint has no host")
	}

	if len(params) > 0 {
		q := address.Query()
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			q.Set(name, fmt.Sprintf("%v", params[name]))
		}
		address.RawQuery = q.Encode()
	}
	return strings.TrimSuffix(address.String(), "?"), nil
}
