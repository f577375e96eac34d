package panel

import (
	"encoding/json"
	"time"
)

// Client mirrors one entry of a 3x-ui inbound's settings.clients array.
type Client struct {
	ID         string      `json:"id"`
	Flow       string      `json:"flow,omitempty"`
	Email      string      `json:"email"`
	LimitIP    int         `json:"limitIp"`
	TotalGB    int64       `json:"totalGB"`
	ExpiryTime int64       `json:"expiryTime"` // unix milliseconds, 0 = never
	Enable     bool        `json:"enable"`
	TgID       interface{} `json:"tgId,omitempty"` // number or string depending on panel version
	SubID      string      `json:"subId,omitempty"`
	Reset      int         `json:"reset"`
}

// inboundSettings is the JSON document the panel embeds as a string in the
// inbound's settings field.
type inboundSettings struct {
	Clients    []Client `json:"clients"`
	Decryption string   `json:"decryption,omitempty"`
}

type Inbound struct {
	ID             int    `json:"id"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	ClientStats    []ClientTraffic `json:"clientStats"`
}

// ClientTraffic is the panel's per-email counter row.
type ClientTraffic struct {
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// KeySnapshot is the post-operation view of a panel client returned to the
// core.
type KeySnapshot struct {
	UUID        string
	Email       string
	ExpiryAt    time.Time
	Enabled     bool
	ConnString  string
	SubLink     string
	TrafficUp   int64
	TrafficDown int64
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
