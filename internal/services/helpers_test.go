package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/panel"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	g, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	require.NoError(t, err)
	s := db.New(g)
	require.NoError(t, s.Migrate())
	return s
}

type sentMessage struct {
	UserID  int64
	Text    string
	Buttons []Button
}

// fakeMessenger records deliveries; fail makes every Send error.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	fail error
}

func (f *fakeMessenger) Send(_ context.Context, userID int64, text string, buttons []Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{UserID: userID, Text: text, Buttons: buttons})
	return nil
}

func (f *fakeMessenger) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// fakePanelClient is an in-memory PanelClient with the adapter's observable
// semantics: extension stacks on max(now, current expiry) and rotates the
// UUID, creation allocates the smallest free key number.
type fakePanelClient struct {
	mu      sync.Mutex
	clients map[string]panel.KeySnapshot // keyed by email
	seq     int
	creates int
	updates int
	deletes int

	loginErr  error
	createErr error
}

func newFakePanel() *fakePanelClient {
	return &fakePanelClient{clients: make(map[string]panel.KeySnapshot)}
}

func (f *fakePanelClient) seed(email string, expiry time.Time, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.clients[email] = panel.KeySnapshot{
		UUID:       fmt.Sprintf("uuid-%d", f.seq),
		Email:      email,
		ExpiryAt:   expiry.UTC(),
		Enabled:    enabled,
		ConnString: "vless://uuid@host:443?type=tcp#" + email,
	}
}

func (f *fakePanelClient) Login(context.Context, *db.Host) error { return f.loginErr }

func (f *fakePanelClient) CreateOrUpdateKey(_ context.Context, host *db.Host, userID int64, email string, months, days, hours int) (*panel.KeySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	dur := time.Duration(panel.DurationMs(months, days, hours)) * time.Millisecond
	now := time.Now().UTC()

	if email != "" {
		if snap, ok := f.clients[email]; ok {
			base := now
			if snap.ExpiryAt.After(base) {
				base = snap.ExpiryAt
			}
			f.seq++
			snap.UUID = fmt.Sprintf("uuid-%d", f.seq)
			snap.ExpiryAt = base.Add(dur)
			snap.Enabled = true
			f.clients[email] = snap
			f.updates++
			return &snap, nil
		}
	}

	n := 1
	for {
		candidate := panel.KeyEmail(userID, n, host.Code)
		if _, taken := f.clients[candidate]; !taken {
			email = candidate
			break
		}
		n++
	}
	f.seq++
	snap := panel.KeySnapshot{
		UUID:       fmt.Sprintf("uuid-%d", f.seq),
		Email:      email,
		ExpiryAt:   now.Add(dur),
		Enabled:    true,
		ConnString: "vless://uuid@host:443?type=tcp#" + email,
	}
	if host.SubBaseURL != "" {
		snap.SubLink = host.SubBaseURL + "/sub/" + snap.UUID
	}
	f.clients[email] = snap
	f.creates++
	return &snap, nil
}

func (f *fakePanelClient) GetKeyDetails(_ context.Context, _ *db.Host, email string) (*panel.KeySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.clients[email]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (f *fakePanelClient) DeleteClient(_ context.Context, _ *db.Host, emailOrUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for email, snap := range f.clients {
		if email == emailOrUUID || snap.UUID == emailOrUUID {
			delete(f.clients, email)
			break
		}
	}
	f.deletes++
	return nil
}

func (f *fakePanelClient) ListClients(context.Context, *db.Host) ([]panel.KeySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := make([]panel.KeySnapshot, 0, len(f.clients))
	for _, snap := range f.clients {
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (f *fakePanelClient) SetClientEnabled(_ context.Context, _ *db.Host, email string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.clients[email]
	if !ok {
		return fmt.Errorf("client %s not found", email)
	}
	snap.Enabled = enabled
	f.clients[email] = snap
	return nil
}

// fixture wires a store, fakes and the pipeline with one host, one plan and
// one registered user.
type fixture struct {
	store     *db.Store
	panel     *fakePanelClient
	messenger *fakeMessenger
	settle    *Settlement
	user      db.User
	host      db.Host
	plan      db.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newTestStore(t)
	pc := newFakePanel()
	m := &fakeMessenger{}

	user, err := store.RegisterUser(123456800, "tester")
	require.NoError(t, err)
	host := db.Host{Name: "Finland", Code: "fin", BaseURL: "https://panel.example:2053", InboundID: 1}
	require.NoError(t, store.SaveHost(&host))
	plan := db.Plan{HostID: host.ID, Name: "Monthly", Months: 1, Price: decimal.NewFromInt(100), Mode: db.ModeKey, Visibility: db.VisibilityAll}
	require.NoError(t, store.SavePlan(&plan))

	return &fixture{
		store:     store,
		panel:     pc,
		messenger: m,
		settle:    NewSettlement(store, pc, m, false),
		user:      user,
		host:      host,
		plan:      plan,
	}
}

func (f *fixture) pendingTx(t *testing.T, paymentID string, meta Metadata) {
	t.Helper()
	require.NoError(t, f.store.CreatePendingTransaction(paymentID, meta.UserID, meta.Price, "", "yookassa", meta.JSON(), ""))
}

func (f *fixture) newPurchaseMeta() Metadata {
	return Metadata{
		UserID:    f.user.ID,
		HostName:  f.host.Name,
		PlanID:    f.plan.ID,
		PlanName:  f.plan.Name,
		Operation: "new",
		Price:     f.plan.Price,
		Months:    f.plan.Months,
	}
}

// seedKey creates a key both locally and on the fake panel.
func (f *fixture) seedKey(t *testing.T, expiry time.Time, isTrial bool) db.Key {
	t.Helper()
	email := panel.KeyEmail(f.user.ID, 1, f.host.Code)
	f.panel.seed(email, expiry, true)
	snap := f.panel.clients[email]
	id, err := f.store.CreateKeyWithStatsAtomic(db.CreateKeyParams{
		UserID:     f.user.ID,
		HostID:     f.host.ID,
		ClientUUID: snap.UUID,
		Email:      email,
		ExpiryAt:   expiry,
		IsTrial:    isTrial,
		PlanName:   f.plan.Name,
		ConnString: snap.ConnString,
	})
	require.NoError(t, err)
	key, err := f.store.GetKey(id)
	require.NoError(t, err)
	return key
}
