package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Sales-Bot/config"
	"VPN-Sales-Bot/internal/apperr"
	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/logger"
	"VPN-Sales-Bot/internal/panel"
)

// PanelClient is the provisioning surface the pipeline and the periodic
// loops consume. *panel.Adapter implements it; tests use fakes.
type PanelClient interface {
	Login(ctx context.Context, host *db.Host) error
	CreateOrUpdateKey(ctx context.Context, host *db.Host, userID int64, email string, months, days, hours int) (*panel.KeySnapshot, error)
	GetKeyDetails(ctx context.Context, host *db.Host, email string) (*panel.KeySnapshot, error)
	DeleteClient(ctx context.Context, host *db.Host, emailOrUUID string) error
	ListClients(ctx context.Context, host *db.Host) ([]panel.KeySnapshot, error)
	SetClientEnabled(ctx context.Context, host *db.Host, email string, enabled bool) error
}

// SettlementEvent is the gateway-agnostic shape every webhook normalises to.
type SettlementEvent struct {
	PaymentID string
	Status    string // paid | failed | canceled
	Test      bool
	Gateway   string
	Metadata  Metadata
	Raw       json.RawMessage
}

// Settlement converts paid transactions into provisioned keys and
// user-visible delivery. One Process call per webhook; the conditional
// pending→paid transition is the sole guard against double fulfilment.
type Settlement struct {
	store     *db.Store
	panel     PanelClient
	messenger Messenger
	testMode  bool
	now       func() time.Time
}

func NewSettlement(store *db.Store, pc PanelClient, m Messenger, testMode bool) *Settlement {
	return &Settlement{store: store, panel: pc, messenger: m, testMode: testMode, now: func() time.Time { return time.Now().UTC() }}
}

// Process runs the pipeline for one normalised event. It returns an error
// only for failures worth surfacing; deduplicated and ignored events return
// nil so webhook handlers answer 200.
func (s *Settlement) Process(ctx context.Context, ev SettlementEvent) error {
	meta := ev.Metadata
	tx, err := s.store.GetTransactionByPaymentID(ev.PaymentID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Legacy path: no pending transaction was journaled before the
		// gateway fired. Process from event metadata alone, creating
		// the row retroactively so the status transition still gates
		// duplicates.
		if meta.UserID == 0 {
			logger.Error("settlement: unknown payment without metadata",
				zap.String("payment_id", ev.PaymentID))
			return fmt.Errorf("payment %s: no transaction and no metadata: %w", ev.PaymentID, apperr.ErrFatal)
		}
		if err := s.store.CreatePendingTransaction(ev.PaymentID, meta.UserID, meta.Price, "", ev.Gateway, meta.JSON(), ""); err != nil {
			return err
		}
		tx, err = s.store.GetTransactionByPaymentID(ev.PaymentID)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		stored, perr := ParseMetadata([]byte(tx.Metadata))
		if perr != nil {
			logger.Warn("settlement: stored metadata unreadable", zap.String("payment_id", ev.PaymentID), zap.Error(perr))
		}
		meta = stored.Merge(ev.Metadata)
	}

	if ev.Test != s.testMode {
		logger.Warn("settlement: test flag mismatch, event ignored",
			zap.String("payment_id", ev.PaymentID), zap.Bool("event_test", ev.Test), zap.Bool("test_mode", s.testMode))
		return nil
	}

	if tx.Status != db.TxPending {
		return nil
	}

	if ev.Status != db.TxPaid {
		next := db.TxFailed
		if ev.Status == db.TxCanceled {
			next = db.TxCanceled
		}
		_, err := s.store.UpdateTransactionAtomic(ev.PaymentID, db.TxPending, next, string(ev.Raw))
		return err
	}

	host, key, err := s.resolve(meta)
	if err != nil {
		logger.Error("settlement: unresolvable event", zap.String("payment_id", ev.PaymentID), zap.Error(err))
		_, _ = s.store.UpdateTransactionAtomic(ev.PaymentID, db.TxPending, db.TxFailed, string(ev.Raw))
		return nil
	}

	won, err := s.store.UpdateTransactionAtomic(ev.PaymentID, db.TxPending, db.TxPaid, string(ev.Raw))
	if err != nil {
		return err
	}
	if !won {
		// another worker advanced this payment; skipping is the happy path
		return nil
	}

	if err := s.fulfil(ctx, ev.PaymentID, meta, host, key); err != nil {
		// The transaction stays paid: reverting would break the
		// exactly-once transition. The operator retry completes the job
		// through email idempotency.
		logger.Error("settlement: fulfilment failed after paid transition",
			zap.String("payment_id", ev.PaymentID), zap.Error(err))
		logger.NotifyAdmin("Settlement failed for payment " + ev.PaymentID + ": " + err.Error())
		return err
	}
	return nil
}

// Retry re-runs settlement for a stored transaction: pending transactions go
// through the full pipeline; paid-but-unfulfilled ones go straight to the
// idempotent provisioning step.
func (s *Settlement) Retry(ctx context.Context, paymentID string) error {
	tx, err := s.store.GetTransactionByPaymentID(paymentID)
	if err != nil {
		return fmt.Errorf("retry %s: %w", paymentID, err)
	}
	meta, err := ParseMetadata([]byte(tx.Metadata))
	if err != nil {
		return fmt.Errorf("retry %s: %w", paymentID, err)
	}
	switch tx.Status {
	case db.TxPending:
		return s.Process(ctx, SettlementEvent{
			PaymentID: paymentID,
			Status:    db.TxPaid,
			Test:      s.testMode,
			Gateway:   tx.Gateway,
			Metadata:  meta,
		})
	case db.TxPaid:
		host, key, err := s.resolve(meta)
		if err != nil {
			return err
		}
		return s.fulfil(ctx, paymentID, meta, host, key)
	default:
		return fmt.Errorf("retry %s: status %s: %w", paymentID, tx.Status, apperr.ErrConflict)
	}
}

// resolve binds the event to a host and, for extensions, the local key. Done
// before the paid transition so corrupt metadata can still fail the
// transaction.
func (s *Settlement) resolve(meta Metadata) (*db.Host, *db.Key, error) {
	var host db.Host
	var err error
	switch {
	case meta.HostName != "":
		host, err = s.store.GetHostByName(meta.HostName)
	case meta.HostCode != "":
		host, err = s.store.GetHostByCode(meta.HostCode)
	case meta.PlanID != 0:
		var plan db.Plan
		plan, err = s.store.GetPlan(meta.PlanID)
		if err == nil {
			host, err = s.store.GetHost(plan.HostID)
		}
	default:
		return nil, nil, fmt.Errorf("no host reference in metadata: %w", apperr.ErrConfig)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("host resolution: %v: %w", err, apperr.ErrConfig)
	}

	if meta.Operation == "extend" && meta.KeyID != 0 {
		key, err := s.store.GetKey(meta.KeyID)
		if err != nil {
			return nil, nil, fmt.Errorf("key %d referenced by metadata missing: %w", meta.KeyID, apperr.ErrFatal)
		}
		return &host, &key, nil
	}
	return &host, nil, nil
}

// fulfil provisions on the panel, persists the result and delivers the
// credentials. Idempotent through the key email.
func (s *Settlement) fulfil(ctx context.Context, paymentID string, meta Metadata, host *db.Host, key *db.Key) error {
	months, days, hours := meta.Months, meta.Days, meta.Hours
	if months == 0 && days == 0 && hours == 0 && meta.PlanID != 0 {
		if plan, err := s.store.GetPlan(meta.PlanID); err == nil {
			months, days, hours = plan.Months, plan.Days, plan.Hours
		}
	}
	if panel.DurationMs(months, days, hours) <= 0 {
		return fmt.Errorf("payment %s: zero duration: %w", paymentID, apperr.ErrConfig)
	}

	price := meta.Price
	if meta.Promo != "" {
		promo, err := s.store.UsePromoCode(meta.Promo, s.now())
		if err != nil {
			logger.Warn("settlement: promo not applied", zap.String("payment_id", paymentID), zap.String("promo", meta.Promo), zap.Error(err))
		} else {
			price = price.Mul(decimal.NewFromInt(int64(100 - promo.Percent))).Div(decimal.NewFromInt(100)).Round(2)
		}
	}

	email := ""
	if key != nil {
		email = key.Email
	}
	snap, err := s.panel.CreateOrUpdateKey(ctx, host, meta.UserID, email, months, days, hours)
	if err != nil {
		return fmt.Errorf("payment %s: provisioning: %w", paymentID, err)
	}

	var persisted db.Key
	if key == nil {
		planName := meta.PlanName
		if planName == "" && meta.PlanID != 0 {
			if plan, perr := s.store.GetPlan(meta.PlanID); perr == nil {
				planName = plan.Name
			}
		}
		keyID, err := s.store.CreateKeyWithStatsAtomic(db.CreateKeyParams{
			UserID:     meta.UserID,
			HostID:     host.ID,
			ClientUUID: snap.UUID,
			Email:      snap.Email,
			ExpiryAt:   snap.ExpiryAt,
			IsTrial:    meta.IsTrial,
			PlanName:   planName,
			Price:      price,
			Months:     months,
			ConnString: snap.ConnString,
			SubLink:    snap.SubLink,
		})
		if err != nil {
			if apperr.IsConflict(err) {
				// the key row already exists from an earlier attempt
				existing, gerr := s.store.GetKeyByEmail(snap.Email)
				if gerr != nil {
					return gerr
				}
				persisted = existing
			} else {
				return fmt.Errorf("payment %s: persisting key: %w", paymentID, err)
			}
		} else {
			persisted, err = s.store.GetKey(keyID)
			if err != nil {
				return err
			}
		}
	} else {
		if err := s.store.UpdateKeyInfo(key.ID, snap.UUID, snap.ExpiryAt, snap.SubLink, snap.ConnString); err != nil {
			return fmt.Errorf("payment %s: updating key: %w", paymentID, err)
		}
		// one-way trial promotion on first paid extension
		if key.IsTrial && price.IsPositive() {
			if err := s.store.PromoteTrialKey(key.ID, price); err != nil {
				return err
			}
		}
		persisted, err = s.store.GetKey(key.ID)
		if err != nil {
			return err
		}
	}

	return s.deliver(ctx, meta, host, persisted)
}

// deliver emits the purchase_success message. Runs only after successful
// persistence so the user never receives an incorrect confirmation.
func (s *Settlement) deliver(ctx context.Context, meta Metadata, host *db.Host, key db.Key) error {
	mode := db.ModeKey
	if meta.PlanID != 0 {
		if plan, err := s.store.GetPlan(meta.PlanID); err == nil {
			mode = plan.Mode
		}
	} else if key.PlanName != "" {
		if plan, err := s.store.GetPlanByHostAndName(host.ID, key.PlanName); err == nil {
			mode = plan.Mode
		}
	}

	var lines []string
	var buttons []Button
	until := key.ExpiryAt.In(config.DisplayLocation).Format("2006-01-02 15:04 MST")
	lines = append(lines, fmt.Sprintf("Your subscription on %s is active until %s.", host.Name, until))
	if mode == db.ModeKey || mode == db.ModeBoth {
		lines = append(lines, "Key:", key.ConnString)
	}
	if (mode == db.ModeSubscription || mode == db.ModeBoth || mode == db.ModeCabinetSubscription) && key.SubLink != "" {
		buttons = append(buttons, Button{Label: "Subscription", URL: key.SubLink})
	}
	if mode == db.ModeCabinet || mode == db.ModeCabinetSubscription {
		token, err := s.store.IssueCabinetToken(key.UserID)
		if err != nil {
			return err
		}
		cabinetURL := strings.TrimRight(host.SubBaseURL, "/") + "/cabinet?token=" + token
		buttons = append(buttons, Button{Label: "Personal cabinet", URL: cabinetURL})
	}

	if err := s.messenger.Send(ctx, key.UserID, strings.Join(lines, "\n"), buttons); err != nil {
		// provisioning and persistence already succeeded; a delivery
		// failure is logged, not rolled back
		logger.Error("settlement: delivery failed", zap.Int64("user_id", key.UserID), zap.Error(err))
	}
	return nil
}
