package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VPN-Sales-Bot/config"
	"VPN-Sales-Bot/internal/apperr"
	"VPN-Sales-Bot/internal/db"
)

func TestProcessNewPurchase(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-1", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-1", Status: db.TxPaid, Gateway: "yookassa", Metadata: meta,
	})
	require.NoError(t, err)

	key, err := f.store.GetKeyByEmail("user123456800-key1@fin.bot")
	require.NoError(t, err)
	assert.Equal(t, db.KeyStatusPayActive, key.Status)
	assert.True(t, key.PricePaid.Equal(decimal.NewFromInt(100)))
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), key.ExpiryAt, 5*time.Second)

	tx, err := f.store.GetTransactionByPaymentID("pay-1")
	require.NoError(t, err)
	assert.Equal(t, db.TxPaid, tx.Status)

	user, err := f.store.GetUser(f.user.ID)
	require.NoError(t, err)
	assert.True(t, user.TotalSpent.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, user.TotalMonths)

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, f.user.ID, msgs[0].UserID)
	assert.Contains(t, msgs[0].Text, key.ConnString)
}

func TestProcessDuplicateEvent(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-1", meta)
	ev := SettlementEvent{PaymentID: "pay-1", Status: db.TxPaid, Gateway: "yookassa", Metadata: meta}

	require.NoError(t, f.settle.Process(context.Background(), ev))
	require.NoError(t, f.settle.Process(context.Background(), ev))

	keys, err := f.store.GetUserKeys(f.user.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1, "one key for two identical events")
	assert.Equal(t, 1, f.panel.creates, "one panel provisioning call")
	assert.Len(t, f.messenger.messages(), 1, "one delivery")
}

func TestProcessConcurrentDuplicateEvents(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-1", meta)
	ev := SettlementEvent{PaymentID: "pay-1", Status: db.TxPaid, Gateway: "yookassa", Metadata: meta}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.settle.Process(context.Background(), ev)
		}()
	}
	wg.Wait()

	keys, err := f.store.GetUserKeys(f.user.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1, "exactly one worker advances past the status transition")
	assert.Equal(t, 1, f.panel.creates)
	assert.Len(t, f.messenger.messages(), 1)
}

func TestDeliveryUsesDisplayTimezone(t *testing.T) {
	f := newFixture(t)
	orig := config.DisplayLocation
	config.DisplayLocation = time.FixedZone("MSK", 3*3600)
	t.Cleanup(func() { config.DisplayLocation = orig })

	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-tz", meta)
	require.NoError(t, f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-tz", Status: db.TxPaid, Metadata: meta,
	}))

	key, err := f.store.GetKeyByEmail("user123456800-key1@fin.bot")
	require.NoError(t, err)
	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, key.ExpiryAt.In(config.DisplayLocation).Format("2006-01-02 15:04 MST"))
	assert.Contains(t, msgs[0].Text, "MSK")
}

func TestProcessExtendPromotesTrial(t *testing.T) {
	f := newFixture(t)
	expiry := time.Now().UTC().Add(12 * time.Hour)
	key := f.seedKey(t, expiry, true)

	meta := f.newPurchaseMeta()
	meta.Operation = "extend"
	meta.KeyID = key.ID
	f.pendingTx(t, "pay-2", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-2", Status: db.TxPaid, Gateway: "yookassa", Metadata: meta,
	})
	require.NoError(t, err)

	after, err := f.store.GetKey(key.ID)
	require.NoError(t, err)
	assert.False(t, after.IsTrial)
	assert.Equal(t, db.KeyStatusPayActive, after.Status)
	assert.WithinDuration(t, expiry.Add(30*24*time.Hour), after.ExpiryAt, time.Second,
		"extension stacks on the remaining trial time")
	assert.NotEqual(t, key.ClientUUID, after.ClientUUID, "extension rotates the credential")
	assert.Equal(t, 0, f.panel.creates)
	assert.Equal(t, 1, f.panel.updates)
}

func TestProcessTestFlagMismatch(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-3", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-3", Status: db.TxPaid, Test: true, Metadata: meta,
	})
	require.NoError(t, err)

	tx, err := f.store.GetTransactionByPaymentID("pay-3")
	require.NoError(t, err)
	assert.Equal(t, db.TxPending, tx.Status, "mismatched event leaves the transaction untouched")
	assert.Zero(t, f.panel.creates)
}

func TestProcessUnresolvableFailsTransaction(t *testing.T) {
	f := newFixture(t)
	meta := Metadata{UserID: f.user.ID, Price: decimal.NewFromInt(100), Months: 1}
	f.pendingTx(t, "pay-4", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-4", Status: db.TxPaid, Metadata: meta,
	})
	require.NoError(t, err, "unresolvable events are absorbed, not retried")

	tx, err := f.store.GetTransactionByPaymentID("pay-4")
	require.NoError(t, err)
	assert.Equal(t, db.TxFailed, tx.Status)
	assert.Zero(t, f.panel.creates)
}

func TestProcessMissingKeyFailsTransaction(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	meta.Operation = "extend"
	meta.KeyID = 777
	f.pendingTx(t, "pay-5", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-5", Status: db.TxPaid, Metadata: meta,
	})
	require.NoError(t, err)

	tx, err := f.store.GetTransactionByPaymentID("pay-5")
	require.NoError(t, err)
	assert.Equal(t, db.TxFailed, tx.Status)
}

func TestProcessCanceledEvent(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-6", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-6", Status: db.TxCanceled, Metadata: meta,
	})
	require.NoError(t, err)

	tx, err := f.store.GetTransactionByPaymentID("pay-6")
	require.NoError(t, err)
	assert.Equal(t, db.TxCanceled, tx.Status)
	assert.Zero(t, f.panel.creates)
}

func TestProcessLegacyEventWithoutTransaction(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-legacy", Status: db.TxPaid, Gateway: "yookassa", Metadata: meta,
	})
	require.NoError(t, err)

	tx, err := f.store.GetTransactionByPaymentID("pay-legacy")
	require.NoError(t, err)
	assert.Equal(t, db.TxPaid, tx.Status, "the row is created retroactively and transitioned")
	assert.Equal(t, 1, f.panel.creates)
}

func TestProcessUnknownPaymentWithoutMetadata(t *testing.T) {
	f := newFixture(t)
	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-unknown", Status: db.TxPaid,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrFatal)
}

func TestProcessStoredMetadataWins(t *testing.T) {
	f := newFixture(t)
	other := db.Host{Name: "Sweden", Code: "swe", BaseURL: "https://other.example", InboundID: 1}
	require.NoError(t, f.store.SaveHost(&other))

	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-7", meta)

	// event claims a different host; the journaled binding must hold
	evMeta := meta
	evMeta.HostName = other.Name
	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-7", Status: db.TxPaid, Metadata: evMeta,
	})
	require.NoError(t, err)

	key, err := f.store.GetKeyByEmail("user123456800-key1@fin.bot")
	require.NoError(t, err)
	assert.Equal(t, f.host.ID, key.HostID)
}

func TestProcessPromoDiscount(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.DB().Create(&db.PromoCode{Code: "SAVE20", Percent: 20, MaxUses: 5}).Error)

	meta := f.newPurchaseMeta()
	meta.Promo = "SAVE20"
	f.pendingTx(t, "pay-8", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-8", Status: db.TxPaid, Metadata: meta,
	})
	require.NoError(t, err)

	key, err := f.store.GetKeyByEmail("user123456800-key1@fin.bot")
	require.NoError(t, err)
	assert.True(t, key.PricePaid.Equal(decimal.NewFromInt(80)), "got %s", key.PricePaid)

	promo, err := f.store.GetPromoByCode("SAVE20")
	require.NoError(t, err)
	assert.Equal(t, 1, promo.Used)
}

func TestProcessZeroDurationKeepsPaid(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	meta.Months, meta.Days, meta.Hours = 0, 0, 0
	meta.PlanID = 0
	f.pendingTx(t, "pay-9", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-9", Status: db.TxPaid, Metadata: meta,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConfig)

	tx, err := f.store.GetTransactionByPaymentID("pay-9")
	require.NoError(t, err)
	assert.Equal(t, db.TxPaid, tx.Status, "fulfilment failures never revert the paid transition")
}

func TestProcessDeliveryFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.messenger.fail = assert.AnError
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-10", meta)

	err := f.settle.Process(context.Background(), SettlementEvent{
		PaymentID: "pay-10", Status: db.TxPaid, Metadata: meta,
	})
	require.NoError(t, err, "key is provisioned and persisted; delivery is best effort")

	_, err = f.store.GetKeyByEmail("user123456800-key1@fin.bot")
	require.NoError(t, err)
}

func TestRetryPendingTransaction(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-11", meta)

	require.NoError(t, f.settle.Retry(context.Background(), "pay-11"))

	tx, err := f.store.GetTransactionByPaymentID("pay-11")
	require.NoError(t, err)
	assert.Equal(t, db.TxPaid, tx.Status)
	assert.Equal(t, 1, f.panel.creates)
}

func TestRetryPaidUnfulfilled(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-12", meta)
	won, err := f.store.UpdateTransactionAtomic("pay-12", db.TxPending, db.TxPaid, "")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.settle.Retry(context.Background(), "pay-12"))
	_, err = f.store.GetKeyByEmail("user123456800-key1@fin.bot")
	require.NoError(t, err)
}

func TestRetryTerminalStatus(t *testing.T) {
	f := newFixture(t)
	meta := f.newPurchaseMeta()
	f.pendingTx(t, "pay-13", meta)
	_, err := f.store.UpdateTransactionAtomic("pay-13", db.TxPending, db.TxFailed, "")
	require.NoError(t, err)

	err = f.settle.Retry(context.Background(), "pay-13")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}
