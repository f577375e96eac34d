package db

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// CreatePendingTransaction journals a payment before the gateway is called.
// Inserting an already-known payment_id is a no-op so gateway retries cannot
// produce a second ledger row.
func (s *Store) CreatePendingTransaction(paymentID string, userID int64, amount decimal.Decimal, currency, gateway, metadata, payload string) error {
	if currency == "" {
		currency = "RUB"
	}
	tx := Transaction{
		PaymentID: paymentID,
		UserID:    userID,
		Amount:    amount,
		Currency:  currency,
		Gateway:   gateway,
		Status:    TxPending,
		Metadata:  metadata,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tx).Error
}

// UpdateTransactionAtomic transitions a transaction conditionally. It returns
// false when the current status is not the expected one, which is how a
// settlement worker learns it lost the race. This conditional update is the
// sole guarantor against double-fulfilment.
func (s *Store) UpdateTransactionAtomic(paymentID, expected, next, payload string) (bool, error) {
	updates := map[string]interface{}{"status": next}
	if payload != "" {
		updates["payload"] = payload
	}
	res := s.db.Model(&Transaction{}).
		Where("payment_id = ? AND status = ?", paymentID, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateTransactionMetadata rewrites the stored metadata JSON.
func (s *Store) UpdateTransactionMetadata(paymentID, metadata string) error {
	return s.db.Model(&Transaction{}).Where("payment_id = ?", paymentID).Update("metadata", metadata).Error
}

func (s *Store) GetTransactionByPaymentID(paymentID string) (Transaction, error) {
	var tx Transaction
	err := s.db.First(&tx, "payment_id = ?", paymentID).Error
	return tx, err
}

func (s *Store) GetTransactionsForUser(userID int64) ([]Transaction, error) {
	var txs []Transaction
	err := s.db.Where("user_id = ?", userID).Order("id desc").Find(&txs).Error
	return txs, err
}

// HasPaidRenewalAfter reports whether a balance-funded renewal of the key was
// paid after the given expiry. Fulfilment always pushes the expiry past the
// transaction's creation time, so such a row means the renewal was paid but
// never extended the key.
func (s *Store) HasPaidRenewalAfter(keyID uint, expiry time.Time) (bool, error) {
	var n int64
	err := s.db.Model(&Transaction{}).
		Where("gateway = ? AND status = ? AND payment_id LIKE ? AND created_at > ?",
			"balance", TxPaid, fmt.Sprintf("autorenew-%d-%%", keyID), expiry.UTC()).
		Count(&n).Error
	return n > 0, err
}

// GetPendingTransactions lists unresolved transactions for the operator view.
func (s *Store) GetPendingTransactions() ([]Transaction, error) {
	var txs []Transaction
	err := s.db.Where("status = ?", TxPending).Order("id").Find(&txs).Error
	return txs, err
}
