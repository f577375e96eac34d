package db

import (
	"time"

	"gorm.io/gorm/clause"
)

// Notification type values used by the scheduler and the settlement pipeline.
const (
	NotifyExpiryWarning     = "expiry_warning"
	NotifyAutoRenewNotice   = "autorenew_notice"
	NotifyAutoRenewDisabled = "autorenew_disabled"
	NotifyPlanUnavailable   = "plan_unavailable"
	NotifyPurchaseSuccess   = "purchase_success"
)

// LogNotification records a notification before it is sent. The unique index
// on (user, key, marker, type) makes the insert the deduplication gate: a
// duplicate returns id 0 and the caller must not send.
func (s *Store) LogNotification(userID int64, keyID uint, markerHours int, ntype string) (uint, error) {
	n := Notification{
		UserID:      userID,
		KeyID:       keyID,
		MarkerHours: markerHours,
		Type:        ntype,
		SentAt:      time.Now().UTC(),
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&n)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, nil
	}
	return n.ID, nil
}

func (s *Store) GetNotificationsForKey(keyID uint) ([]Notification, error) {
	var ns []Notification
	err := s.db.Where("key_id = ?", keyID).Order("id").Find(&ns).Error
	return ns, err
}
