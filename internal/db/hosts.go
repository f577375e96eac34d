package db

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"VPN-Sales-Bot/internal/apperr"
)

func (s *Store) GetAllHosts() ([]Host, error) {
	var hosts []Host
	err := s.db.Order("id").Find(&hosts).Error
	return hosts, err
}

func (s *Store) GetHost(id uint) (Host, error) {
	var host Host
	err := s.db.First(&host, id).Error
	return host, err
}

func (s *Store) GetHostByName(name string) (Host, error) {
	var host Host
	err := s.db.First(&host, "name = ?", name).Error
	return host, err
}

func (s *Store) GetHostByCode(code string) (Host, error) {
	var host Host
	err := s.db.First(&host, "code = ?", code).Error
	return host, err
}

func (s *Store) SaveHost(host *Host) error {
	return s.db.Save(host).Error
}

func (s *Store) GetPlansForHost(hostID uint) ([]Plan, error) {
	var plans []Plan
	err := s.db.Where("host_id = ?", hostID).Order("id").Find(&plans).Error
	return plans, err
}

func (s *Store) GetPlan(id uint) (Plan, error) {
	var plan Plan
	err := s.db.First(&plan, id).Error
	return plan, err
}

// GetPlanByHostAndName resolves the plan a key was sold under.
func (s *Store) GetPlanByHostAndName(hostID uint, name string) (Plan, error) {
	var plan Plan
	err := s.db.First(&plan, "host_id = ? AND name = ?", hostID, name).Error
	return plan, err
}

func (s *Store) SavePlan(plan *Plan) error {
	return s.db.Save(plan).Error
}

func (s *Store) GetPromoByCode(code string) (PromoCode, error) {
	var promo PromoCode
	err := s.db.First(&promo, "code = ?", code).Error
	return promo, err
}

// UsePromoCode atomically consumes one use. Exhausted or expired codes fail
// with apperr.ErrConflict.
func (s *Store) UsePromoCode(code string, now time.Time) (PromoCode, error) {
	var promo PromoCode
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := withLock(tx).First(&promo, "code = ?", code).Error; err != nil {
			return err
		}
		if promo.ExpiresAt != nil && promo.ExpiresAt.Before(now) {
			return fmt.Errorf("promo %s expired: %w", code, apperr.ErrConflict)
		}
		if promo.MaxUses > 0 && promo.Used >= promo.MaxUses {
			return fmt.Errorf("promo %s exhausted: %w", code, apperr.ErrConflict)
		}
		promo.Used++
		return tx.Model(&PromoCode{}).Where("id = ?", promo.ID).Update("used", promo.Used).Error
	})
	return promo, err
}

// IssueCabinetToken creates an opaque cabinet token for the user and returns
// the raw value. Only the bcrypt hash is stored.
func (s *Store) IssueCabinetToken(userID int64) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	token := CabinetToken{UserID: userID, TokenHash: hash, CreatedAt: time.Now().UTC()}
	if err := s.db.Create(&token).Error; err != nil {
		return "", err
	}
	return raw, nil
}

// VerifyCabinetToken checks a raw token against the user's stored hashes and
// stamps the matching one.
func (s *Store) VerifyCabinetToken(userID int64, raw string) (bool, error) {
	var tokens []CabinetToken
	if err := s.db.Where("user_id = ?", userID).Find(&tokens).Error; err != nil {
		return false, err
	}
	for _, t := range tokens {
		if bcrypt.CompareHashAndPassword(t.TokenHash, []byte(raw)) == nil {
			now := time.Now().UTC()
			_ = s.db.Model(&CabinetToken{}).Where("id = ?", t.ID).Update("last_used_at", &now).Error
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetTemplate(name string) (MessageTemplate, error) {
	var tpl MessageTemplate
	err := s.db.First(&tpl, "name = ?", name).Error
	return tpl, err
}
