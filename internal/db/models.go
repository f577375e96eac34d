package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Key status values. Status is derivable from (IsTrial, ExpiryAt); see
// StatusFor. Reconciliation corrects drift.
const (
	KeyStatusTrialActive = "trial-active"
	KeyStatusTrialEnded  = "trial-ended"
	KeyStatusPayActive   = "pay-active"
	KeyStatusPayEnded    = "pay-ended"
)

// Transaction status values. A transaction leaves "pending" exactly once.
const (
	TxPending  = "pending"
	TxPaid     = "paid"
	TxFailed   = "failed"
	TxCanceled = "canceled"
)

// Plan provisioning modes: what the user receives on purchase.
const (
	ModeKey                 = "key"
	ModeSubscription        = "subscription"
	ModeBoth                = "both"
	ModeCabinet             = "cabinet"
	ModeCabinetSubscription = "cabinet_subscription"
)

// Plan visibility modes.
const (
	VisibilityAll       = "all"
	VisibilityHiddenAll = "hidden_all"
	VisibilityHiddenNew = "hidden_new"
	VisibilityHiddenOld = "hidden_old"
)

// User is identified by the external chat identifier. Users are banned, never
// deleted.
type User struct {
	ID          int64 `gorm:"primaryKey"` // Telegram chat ID
	Name        string
	Consent     bool
	Banned      bool
	Balance     decimal.Decimal `gorm:"type:numeric(12,2);default:0"`
	TrialUsed   bool
	TrialResets int
	GroupID     *uint
	AutoRenew   bool            `gorm:"default:true"`
	TotalSpent  decimal.Decimal `gorm:"type:numeric(12,2);default:0"`
	TotalMonths int
	SubStatus   string
	CreatedAt   time.Time
}

// Host is a remote VPN panel endpoint. One host owns many plans and keys.
type Host struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex"`
	Code       string `gorm:"uniqueIndex"` // URL-safe short code, part of key emails
	BaseURL    string
	Username   string
	Password   string
	InboundID  int
	SubBaseURL string // base of subscription URLs, may be empty
}

// Plan is a priced offering on a specific host. Duration is
// (months, days, hours) with at least one component positive.
type Plan struct {
	ID         uint `gorm:"primaryKey"`
	HostID     uint `gorm:"index"`
	Name       string
	Months     int
	Days       int
	Hours      int
	Price      decimal.Decimal `gorm:"type:numeric(12,2)"`
	TrafficGB  int             // 0 = unlimited
	Mode       string          `gorm:"default:key"`
	Visibility string          `gorm:"default:all"`
	GroupID    *uint           // optional group whitelist
}

// Key is one VPN credential record. Email is the global idempotency key;
// (user, host, uuid) is unique as well.
type Key struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      int64  `gorm:"index;uniqueIndex:ux_user_host_uuid,priority:1"`
	HostID      uint   `gorm:"index;uniqueIndex:ux_user_host_uuid,priority:2"`
	ClientUUID  string `gorm:"uniqueIndex:ux_user_host_uuid,priority:3"`
	Email       string `gorm:"uniqueIndex"`
	CreatedAt   time.Time
	ExpiryAt    time.Time `gorm:"index"`
	Status      string
	IsTrial     bool
	PlanName    string
	PricePaid   decimal.Decimal `gorm:"type:numeric(12,2);default:0"`
	ConnString  string
	SubLink     string
	TrafficUp   int64
	TrafficDown int64
	Enabled     bool `gorm:"default:true"`
}

// Transaction is a payment ledger entry, created pending before the gateway
// is called and transitioned to a terminal state exactly once.
type Transaction struct {
	ID        uint   `gorm:"primaryKey"`
	PaymentID string `gorm:"uniqueIndex"`
	UserID    int64  `gorm:"index"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2)"`
	Currency  string          `gorm:"default:RUB"`
	Gateway   string
	Status    string `gorm:"index;default:pending"`
	Metadata  string // JSON, see services.Metadata
	Payload   string // raw gateway request/response
	CreatedAt time.Time
}

// Notification is written before messenger dispatch; the unique index on
// (user, key, marker, type) is the at-most-once gate.
type Notification struct {
	ID          uint  `gorm:"primaryKey"`
	UserID      int64 `gorm:"uniqueIndex:ux_notification,priority:1"`
	KeyID       uint  `gorm:"uniqueIndex:ux_notification,priority:2"`
	MarkerHours int   `gorm:"uniqueIndex:ux_notification,priority:3"`
	Type        string `gorm:"uniqueIndex:ux_notification,priority:4"`
	SentAt      time.Time
}

type PromoCode struct {
	ID        uint   `gorm:"primaryKey"`
	Code      string `gorm:"uniqueIndex"`
	Percent   int
	MaxUses   int
	Used      int
	ExpiresAt *time.Time
}

type UserGroup struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

// CabinetToken authorises the personal-cabinet URL. Only the bcrypt hash is
// stored; the raw token is delivered to the user once.
type CabinetToken struct {
	ID         uint  `gorm:"primaryKey"`
	UserID     int64 `gorm:"index"`
	TokenHash  []byte
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

type MessageTemplate struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
	Text string
}

// StatusFor derives the canonical key status from the trial flag and expiry.
func StatusFor(isTrial bool, expiry, now time.Time) string {
	active := expiry.After(now)
	switch {
	case isTrial && active:
		return KeyStatusTrialActive
	case isTrial:
		return KeyStatusTrialEnded
	case active:
		return KeyStatusPayActive
	default:
		return KeyStatusPayEnded
	}
}
