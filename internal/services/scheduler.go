package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"VPN-Sales-Bot/internal/apperr"
	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/logger"
	"VPN-Sales-Bot/internal/panel"
)

// NotifiedCache is an optional fast path in front of the notification unique
// constraint. The database index remains the source of truth; a nil cache is
// fine.
type NotifiedCache interface {
	Seen(ctx context.Context, userID int64, keyID uint, marker int, ntype string) bool
	Mark(ctx context.Context, userID int64, keyID uint, marker int, ntype string)
}

// Scheduler runs the periodic expiry pass: marker-classified notifications
// first, then the balance-funded auto-renewal sweep, in that order so that a
// user about to be renewed sees the notice first.
type Scheduler struct {
	store      *db.Store
	messenger  Messenger
	settlement *Settlement
	cache      NotifiedCache
	markers    []int // hours before expiry, kept sorted ascending
	now        func() time.Time
}

func NewScheduler(store *db.Store, m Messenger, settle *Settlement, cache NotifiedCache, markerHours []int) *Scheduler {
	markers := append([]int(nil), markerHours...)
	sort.Ints(markers)
	return &Scheduler{
		store:      store,
		messenger:  m,
		settlement: settle,
		cache:      cache,
		markers:    markers,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle performs one scheduler pass. Cancellation is honoured between
// keys, never mid-notification.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.notifyPass(ctx)
	s.renewPass(ctx)
}

func (s *Scheduler) notifyPass(ctx context.Context) {
	now := s.now()
	keys, err := s.store.GetActiveKeys(now)
	if err != nil {
		logger.Error("scheduler: listing active keys", zap.Error(err))
		return
	}
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.notifyKey(ctx, key, now); err != nil {
			logger.Error("scheduler: notification", zap.Uint("key_id", key.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) notifyKey(ctx context.Context, key db.Key, now time.Time) error {
	secondsLeft := int64(key.ExpiryAt.Sub(now).Seconds())
	marker := 0
	for _, m := range s.markers {
		if secondsLeft <= int64(m)*3600 {
			marker = m
			break
		}
	}
	if marker == 0 {
		return nil
	}

	user, err := s.store.GetUser(key.UserID)
	if err != nil {
		return fmt.Errorf("owner of key %d: %w", key.ID, err)
	}
	if user.Banned {
		return nil
	}

	plan, perr := s.store.GetPlanByHostAndName(key.HostID, key.PlanName)
	visible := perr == nil && PlanVisibleTo(plan, user)

	var ntype string
	switch {
	case !visible:
		ntype = db.NotifyPlanUnavailable
	case user.Balance.GreaterThanOrEqual(plan.Price) && user.AutoRenew:
		ntype = db.NotifyAutoRenewNotice
	case user.Balance.GreaterThanOrEqual(plan.Price):
		ntype = db.NotifyAutoRenewDisabled
	default:
		ntype = db.NotifyExpiryWarning
	}

	if s.cache != nil && s.cache.Seen(ctx, user.ID, key.ID, marker, ntype) {
		return nil
	}
	id, err := s.store.LogNotification(user.ID, key.ID, marker, ntype)
	if err != nil {
		return err
	}
	if id == 0 {
		// already sent for this marker, possibly by a previous run
		if s.cache != nil {
			s.cache.Mark(ctx, user.ID, key.ID, marker, ntype)
		}
		return nil
	}

	text := s.notificationText(ntype, key, plan, marker)
	if err := s.messenger.Send(ctx, user.ID, text, nil); err != nil {
		return fmt.Errorf("send %s to %d: %w", ntype, user.ID, err)
	}
	if s.cache != nil {
		s.cache.Mark(ctx, user.ID, key.ID, marker, ntype)
	}
	return nil
}

// notificationText renders the message for a notification type. An operator
// template stored under the type name overrides the built-in wording;
// {email}, {hours} and {price} are substituted.
func (s *Scheduler) notificationText(ntype string, key db.Key, plan db.Plan, marker int) string {
	if tpl, err := s.store.GetTemplate(ntype); err == nil && tpl.Text != "" {
		return strings.NewReplacer(
			"{email}", key.Email,
			"{hours}", strconv.Itoa(marker),
			"{price}", plan.Price.StringFixed(2),
		).Replace(tpl.Text)
	}
	switch ntype {
	case db.NotifyPlanUnavailable:
		return fmt.Sprintf("Your subscription %s expires within %d h and its plan is no longer available. Pick a new plan in the bot.", key.Email, marker)
	case db.NotifyAutoRenewNotice:
		return fmt.Sprintf("Your subscription %s expires within %d h and will renew automatically for %s.", key.Email, marker, plan.Price.StringFixed(2))
	case db.NotifyAutoRenewDisabled:
		return fmt.Sprintf("Your subscription %s expires within %d h. Your balance covers renewal but auto-renewal is off.", key.Email, marker)
	default:
		return fmt.Sprintf("Your subscription %s expires within %d h. Top up or renew in the bot.", key.Email, marker)
	}
}

// renewPass attempts balance-funded renewal of every expired key. Runs
// strictly after the notification pass of the same cycle.
func (s *Scheduler) renewPass(ctx context.Context) {
	now := s.now()
	keys, err := s.store.GetExpiredKeys(now)
	if err != nil {
		logger.Error("scheduler: listing expired keys", zap.Error(err))
		return
	}
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.renewKey(ctx, key, now); err != nil && !apperr.IsInsufficientFunds(err) {
			logger.Error("scheduler: auto-renewal", zap.Uint("key_id", key.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) renewKey(ctx context.Context, key db.Key, now time.Time) error {
	plan, err := s.store.GetPlanByHostAndName(key.HostID, key.PlanName)
	if err != nil {
		return nil // plan gone, nothing to renew into
	}
	if panel.DurationMs(plan.Months, plan.Days, plan.Hours) <= 0 || !plan.Price.IsPositive() {
		return nil
	}
	user, err := s.store.GetUser(key.UserID)
	if err != nil {
		return err
	}
	if user.Banned || !user.AutoRenew || !PlanVisibleTo(plan, user) {
		return nil
	}
	if user.Balance.LessThan(plan.Price) {
		return nil
	}

	// a paid renewal that never extended the key means fulfilment is stuck
	// (panel down, host misconfigured); debiting again every cycle would
	// drain the balance into a pile of paid-unfulfilled rows
	stuck, err := s.store.HasPaidRenewalAfter(key.ID, key.ExpiryAt)
	if err != nil {
		return err
	}
	if stuck {
		logger.NotifyAdmin(fmt.Sprintf("Key %d has a paid auto-renewal awaiting fulfilment; renewal paused until it is retried", key.ID))
		return nil
	}

	host, err := s.store.GetHost(key.HostID)
	if err != nil {
		return fmt.Errorf("host of key %d: %w", key.ID, err)
	}

	expiryBefore := key.ExpiryAt

	// debit first; the store refuses a crossing-zero debit
	if err := s.store.AddToUserBalance(user.ID, plan.Price.Neg()); err != nil {
		return err
	}

	paymentID := fmt.Sprintf("autorenew-%d-%d", key.ID, now.UnixNano())
	meta := Metadata{
		UserID:    user.ID,
		HostName:  host.Name,
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		Operation: "extend",
		KeyID:     key.ID,
		Type:      "Auto-Renewal",
		Price:     plan.Price,
		Months:    plan.Months,
		Days:      plan.Days,
		Hours:     plan.Hours,
	}
	if err := s.store.CreatePendingTransaction(paymentID, user.ID, plan.Price, "", "balance", meta.JSON(), ""); err != nil {
		return err
	}
	if err := s.settlement.Process(ctx, SettlementEvent{
		PaymentID: paymentID,
		Status:    db.TxPaid,
		Test:      s.settlement.testMode,
		Gateway:   "balance",
		Metadata:  meta,
	}); err != nil {
		return err
	}

	after, err := s.store.GetKey(key.ID)
	if err != nil {
		return err
	}
	if !after.ExpiryAt.After(expiryBefore) {
		logger.Warn("scheduler: auto-renewal did not extend the key",
			zap.Uint("key_id", key.ID),
			zap.Time("expiry_before", expiryBefore),
			zap.Time("expiry_after", after.ExpiryAt))
	}
	return nil
}

// PlanVisibleTo applies the plan visibility mode and group whitelist against
// one user. hidden_new hides from users who never paid; hidden_old from
// users who already did.
func PlanVisibleTo(plan db.Plan, user db.User) bool {
	switch plan.Visibility {
	case db.VisibilityHiddenAll:
		return false
	case db.VisibilityHiddenNew:
		if user.TotalMonths == 0 {
			return false
		}
	case db.VisibilityHiddenOld:
		if user.TotalMonths > 0 {
			return false
		}
	}
	if plan.GroupID != nil {
		if user.GroupID == nil || *user.GroupID != *plan.GroupID {
			return false
		}
	}
	return true
}
