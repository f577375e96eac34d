package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"VPN-Sales-Bot/internal/apperr"
)

// ServerClient is the reconciliation view of a panel-side client. A nil
// pointer passed to UpdateKeyStatusFromServer means "absent on panel".
type ServerClient struct {
	UUID        string
	ExpiryAt    time.Time
	Enabled     bool
	TrafficUp   int64
	TrafficDown int64
}

// CreateKeyParams carries everything CreateKeyWithStatsAtomic persists.
type CreateKeyParams struct {
	UserID     int64
	HostID     uint
	ClientUUID string
	Email      string
	ExpiryAt   time.Time
	IsTrial    bool
	PlanName   string
	Price      decimal.Decimal
	Months     int
	ConnString string
	SubLink    string
}

// CreateKeyWithStatsAtomic inserts the key row and updates the owner's
// purchase totals in one transaction. A duplicate email fails with
// apperr.ErrConflict and leaves nothing behind.
func (s *Store) CreateKeyWithStatsAtomic(p CreateKeyParams) (uint, error) {
	now := time.Now().UTC()
	key := Key{
		UserID:     p.UserID,
		HostID:     p.HostID,
		ClientUUID: p.ClientUUID,
		Email:      p.Email,
		CreatedAt:  now,
		ExpiryAt:   p.ExpiryAt.UTC(),
		Status:     StatusFor(p.IsTrial, p.ExpiryAt, now),
		IsTrial:    p.IsTrial,
		PlanName:   p.PlanName,
		PricePaid:  p.Price,
		ConnString: p.ConnString,
		SubLink:    p.SubLink,
		Enabled:    true,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Key{}).Where("email = ?", p.Email).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("key email %s already exists: %w", p.Email, apperr.ErrConflict)
		}
		if err := tx.Create(&key).Error; err != nil {
			return err
		}
		var user User
		if err := withLock(tx).First(&user, "id = ?", p.UserID).Error; err != nil {
			return fmt.Errorf("key owner %d missing: %w", p.UserID, apperr.ErrFatal)
		}
		updates := map[string]interface{}{
			"total_spent":  user.TotalSpent.Add(p.Price),
			"total_months": user.TotalMonths + p.Months,
			"sub_status":   key.Status,
		}
		if p.IsTrial {
			updates["trial_used"] = true
		}
		return tx.Model(&User{}).Where("id = ?", p.UserID).Updates(updates).Error
	})
	if err != nil {
		return 0, err
	}
	return key.ID, nil
}

// UpdateKeyInfo applies a post-provisioning snapshot. Idempotent; a missing
// key is a no-op.
func (s *Store) UpdateKeyInfo(keyID uint, clientUUID string, expiry time.Time, subLink, connString string) error {
	var key Key
	if err := s.db.First(&key, keyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	updates := map[string]interface{}{
		"client_uuid": clientUUID,
		"expiry_at":   expiry.UTC(),
		"status":      StatusFor(key.IsTrial, expiry, time.Now().UTC()),
	}
	if subLink != "" {
		updates["sub_link"] = subLink
	}
	if connString != "" {
		updates["conn_string"] = connString
	}
	return s.db.Model(&Key{}).Where("id = ?", keyID).Updates(updates).Error
}

// PromoteTrialKey flips a trial key to paid. One-way; already-paid keys are
// left alone.
func (s *Store) PromoteTrialKey(keyID uint, price decimal.Decimal) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var key Key
		if err := tx.First(&key, keyID).Error; err != nil {
			return err
		}
		if !key.IsTrial {
			return nil
		}
		return tx.Model(&Key{}).Where("id = ?", keyID).Updates(map[string]interface{}{
			"is_trial":   false,
			"status":     StatusFor(false, key.ExpiryAt, time.Now().UTC()),
			"price_paid": price,
		}).Error
	})
}

// UpdateKeyStatusFromServer is the reconciliation sink. The panel wins for
// expiry, enabled flag and traffic; the store keeps ownership, plan linkage
// and the trial flag. A nil client deletes the local record.
func (s *Store) UpdateKeyStatusFromServer(email string, client *ServerClient) error {
	if client == nil {
		return s.DeleteKeyByEmail(email)
	}
	var key Key
	if err := s.db.First(&key, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.db.Model(&Key{}).Where("email = ?", email).Updates(map[string]interface{}{
		"client_uuid":  client.UUID,
		"expiry_at":    client.ExpiryAt.UTC(),
		"enabled":      client.Enabled,
		"traffic_up":   client.TrafficUp,
		"traffic_down": client.TrafficDown,
		"status":       StatusFor(key.IsTrial, client.ExpiryAt, time.Now().UTC()),
	}).Error
}

// SetKeyEnabled mirrors a panel enable/disable toggle locally.
func (s *Store) SetKeyEnabled(keyID uint, enabled bool) error {
	return s.db.Model(&Key{}).Where("id = ?", keyID).Update("enabled", enabled).Error
}

func (s *Store) DeleteKeyByEmail(email string) error {
	return s.db.Where("email = ?", email).Delete(&Key{}).Error
}

func (s *Store) DeleteUserKeys(userID int64) error {
	return s.db.Where("user_id = ?", userID).Delete(&Key{}).Error
}

func (s *Store) GetKey(keyID uint) (Key, error) {
	var key Key
	err := s.db.First(&key, keyID).Error
	return key, err
}

func (s *Store) GetKeyByEmail(email string) (Key, error) {
	var key Key
	err := s.db.First(&key, "email = ?", email).Error
	return key, err
}

func (s *Store) GetAllKeys() ([]Key, error) {
	var keys []Key
	err := s.db.Order("id").Find(&keys).Error
	return keys, err
}

func (s *Store) GetKeysForHost(hostID uint) ([]Key, error) {
	var keys []Key
	err := s.db.Where("host_id = ?", hostID).Order("id").Find(&keys).Error
	return keys, err
}

func (s *Store) GetUserKeys(userID int64) ([]Key, error) {
	var keys []Key
	err := s.db.Where("user_id = ?", userID).Order("id").Find(&keys).Error
	return keys, err
}

// GetActiveKeys returns enabled keys that have not expired yet, the scheduler
// notification set.
func (s *Store) GetActiveKeys(now time.Time) ([]Key, error) {
	var keys []Key
	err := s.db.Where("enabled = ? AND expiry_at > ?", true, now.UTC()).Order("expiry_at").Find(&keys).Error
	return keys, err
}

// GetExpiredKeys returns keys whose expiry has passed, the auto-renewal set.
func (s *Store) GetExpiredKeys(now time.Time) ([]Key, error) {
	var keys []Key
	err := s.db.Where("expiry_at <= ?", now.UTC()).Order("expiry_at").Find(&keys).Error
	return keys, err
}
