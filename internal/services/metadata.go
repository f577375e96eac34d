package services

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Metadata is the settlement context carried by a transaction. Gateways
// round-trip it; stored metadata wins over event metadata for host binding.
type Metadata struct {
	UserID    int64           `json:"user_id,omitempty"`
	HostName  string          `json:"host_name,omitempty"`
	HostCode  string          `json:"host_code,omitempty"`
	PlanID    uint            `json:"plan_id,omitempty"`
	PlanName  string          `json:"plan_name,omitempty"`
	Operation string          `json:"operation,omitempty"` // "new" or "extend"
	KeyID     uint            `json:"key_id,omitempty"`
	Promo     string          `json:"promo,omitempty"`
	Type      string          `json:"type,omitempty"` // e.g. "Auto-Renewal"
	Price     decimal.Decimal `json:"price"`
	Months    int             `json:"months,omitempty"`
	Days      int             `json:"days,omitempty"`
	Hours     int             `json:"hours,omitempty"`
	IsTrial   bool            `json:"is_trial,omitempty"`
}

func (m Metadata) JSON() string {
	buf, _ := json.Marshal(m)
	return string(buf)
}

// ParseMetadata decodes metadata tolerantly: payment gateways deliver every
// value as a string, our own transactions store typed JSON.
func ParseMetadata(raw []byte) (Metadata, error) {
	var m Metadata
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err == nil {
		return m, nil
	}
	m = Metadata{}
	var loose map[string]interface{}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return m, fmt.Errorf("metadata: %w", err)
	}
	m.UserID = looseInt64(loose["user_id"])
	m.HostName = looseString(loose["host_name"])
	m.HostCode = looseString(loose["host_code"])
	m.PlanID = uint(looseInt64(loose["plan_id"]))
	m.PlanName = looseString(loose["plan_name"])
	m.Operation = looseString(loose["operation"])
	m.KeyID = uint(looseInt64(loose["key_id"]))
	m.Promo = looseString(loose["promo"])
	m.Type = looseString(loose["type"])
	m.Months = int(looseInt64(loose["months"]))
	m.Days = int(looseInt64(loose["days"]))
	m.Hours = int(looseInt64(loose["hours"]))
	m.IsTrial = looseBool(loose["is_trial"])
	if v, ok := loose["price"]; ok {
		if d, err := decimal.NewFromString(looseString(v)); err == nil {
			m.Price = d
		}
	}
	return m, nil
}

// Merge fills gaps in stored metadata from the event; the stored side keeps
// precedence for host binding even when both carry a value.
func (m Metadata) Merge(event Metadata) Metadata {
	out := m
	if out.UserID == 0 {
		out.UserID = event.UserID
	}
	if out.PlanID == 0 {
		out.PlanID = event.PlanID
	}
	if out.PlanName == "" {
		out.PlanName = event.PlanName
	}
	if out.Operation == "" {
		out.Operation = event.Operation
	}
	if out.KeyID == 0 {
		out.KeyID = event.KeyID
	}
	if out.Promo == "" {
		out.Promo = event.Promo
	}
	if out.Type == "" {
		out.Type = event.Type
	}
	if out.Price.IsZero() {
		out.Price = event.Price
	}
	if out.Months == 0 && out.Days == 0 && out.Hours == 0 {
		out.Months, out.Days, out.Hours = event.Months, event.Days, event.Hours
	}
	// host binding: stored wins outright
	if out.HostName == "" && out.HostCode == "" {
		out.HostName, out.HostCode = event.HostName, event.HostCode
	}
	return out
}

func looseString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func looseInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func looseBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	default:
		return false
	}
}
