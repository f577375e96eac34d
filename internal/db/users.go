package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"VPN-Sales-Bot/internal/apperr"
)

// RegisterUser inserts the user on first contact or returns the existing row.
func (s *Store) RegisterUser(chatID int64, name string) (User, error) {
	user := User{ID: chatID, Name: name, Balance: decimal.Zero, TotalSpent: decimal.Zero, CreatedAt: time.Now().UTC()}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error
	if err != nil {
		return User{}, fmt.Errorf("register user %d: %w", chatID, err)
	}
	if err := s.db.First(&user, "id = ?", chatID).Error; err != nil {
		return User{}, fmt.Errorf("register user %d: %w", chatID, err)
	}
	return user, nil
}

func (s *Store) GetUser(chatID int64) (User, error) {
	var user User
	err := s.db.First(&user, "id = ?", chatID).Error
	return user, err
}

// AddToUserBalance atomically adjusts the balance. A delta that would take the
// balance below zero is refused with apperr.ErrInsufficientFunds.
func (s *Store) AddToUserBalance(chatID int64, delta decimal.Decimal) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var user User
		if err := withLock(tx).First(&user, "id = ?", chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("balance update for unknown user %d: %w", chatID, apperr.ErrFatal)
			}
			return err
		}
		next := user.Balance.Add(delta)
		if next.IsNegative() {
			return fmt.Errorf("balance %s + %s: %w", user.Balance, delta, apperr.ErrInsufficientFunds)
		}
		return tx.Model(&User{}).Where("id = ?", chatID).Update("balance", next).Error
	})
}

func (s *Store) SetUserBanned(chatID int64, banned bool) error {
	res := s.db.Model(&User{}).Where("id = ?", chatID).Update("banned", banned)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) SetAutoRenew(chatID int64, on bool) error {
	return s.db.Model(&User{}).Where("id = ?", chatID).Update("auto_renew", on).Error
}

func (s *Store) GetUsersByIDs(ids []int64) ([]User, error) {
	var users []User
	err := s.db.Where("id IN ?", ids).Find(&users).Error
	return users, err
}
