// Package panel speaks the 3x-ui HTTP API to perform idempotent CRUD on VPN
// clients within one inbound per host. The key email is the idempotency key;
// the adapter never consults local state beyond the host descriptor.
package panel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"VPN-Sales-Bot/internal/apperr"
	"VPN-Sales-Bot/internal/db"
)

const (
	defaultTimeout = 60 * time.Second
	sessionTTL     = 30 * time.Minute
)

var emailPattern = regexp.MustCompile(`^user(\d+)-key(\d+)@([A-Za-z0-9_-]+)\.bot$`)

// KeyEmail builds the canonical key email for a user/host pair.
func KeyEmail(userID int64, n int, hostCode string) string {
	return fmt.Sprintf("user%d-key%d@%s.bot", userID, n, hostCode)
}

type session struct {
	mu       sync.Mutex
	loggedAt time.Time
}

// Adapter is a panel client shared by all components. Sessions are per-host
// singletons guarded by a mutex; login is re-driven lazily on rejection.
// Hosts without credentials of their own log in with the fallback pair.
type Adapter struct {
	http *http.Client

	fallbackUser string
	fallbackPass string

	mu       sync.Mutex
	sessions map[uint]*session
}

func New(fallbackUser, fallbackPass string) *Adapter {
	jar, _ := cookiejar.New(nil)
	return &Adapter{
		http:         &http.Client{Timeout: defaultTimeout, Jar: jar},
		fallbackUser: fallbackUser,
		fallbackPass: fallbackPass,
		sessions:     make(map[uint]*session),
	}
}

func (a *Adapter) hostSession(host *db.Host) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[host.ID]
	if !ok {
		s = &session{}
		a.sessions[host.ID] = s
	}
	return s
}

// Login authenticates against the host once per session TTL. Safe to call
// redundantly; concurrent callers serialize on the host mutex.
func (a *Adapter) Login(ctx context.Context, host *db.Host) error {
	s := a.hostSession(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.loginLocked(ctx, host, s)
}

func (a *Adapter) loginLocked(ctx context.Context, host *db.Host, s *session) error {
	if time.Since(s.loggedAt) < sessionTTL {
		return nil
	}
	user, pass := host.Username, host.Password
	if user == "" {
		user, pass = a.fallbackUser, a.fallbackPass
	}
	form := url.Values{}
	form.Set("username", user)
	form.Set("password", pass)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(host.BaseURL, "/")+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("panel login %s: %v: %w", host.Name, err, apperr.ErrRemoteTransient)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("panel login %s: %v: %w", host.Name, err, apperr.ErrRemoteTransient)
	}
	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil || !out.Success {
		return fmt.Errorf("panel login %s rejected: %s: %w", host.Name, out.Msg, apperr.ErrRemotePermanent)
	}
	s.loggedAt = time.Now()
	return nil
}

// call performs one authenticated API request, re-logging-in once when the
// session is rejected.
func (a *Adapter) call(ctx context.Context, host *db.Host, method, path string, payload interface{}, out *apiResponse) error {
	s := a.hostSession(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := a.loginLocked(ctx, host, s); err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		var body io.Reader
		if payload != nil {
			buf, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			body = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(host.BaseURL, "/")+path, body)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := a.http.Do(req)
		if err != nil {
			return fmt.Errorf("panel %s %s: %v: %w", host.Name, path, err, apperr.ErrRemoteTransient)
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("panel %s %s: %v: %w", host.Name, path, err, apperr.ErrRemoteTransient)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			s.loggedAt = time.Time{}
			if err := a.loginLocked(ctx, host, s); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("panel %s %s: status %d: %w", host.Name, path, resp.StatusCode, apperr.ErrRemoteTransient)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("panel %s %s: unparseable response: %w", host.Name, path, apperr.ErrRemoteTransient)
		}
		if !out.Success {
			return fmt.Errorf("panel %s %s: %s: %w", host.Name, path, out.Msg, apperr.ErrRemotePermanent)
		}
		return nil
	}
	return fmt.Errorf("panel %s %s: session rejected twice: %w", host.Name, path, apperr.ErrRemotePermanent)
}

// fetchInbound loads the configured inbound with its embedded client list.
func (a *Adapter) fetchInbound(ctx context.Context, host *db.Host) (*Inbound, []Client, error) {
	var out apiResponse
	err := a.call(ctx, host, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", host.InboundID), nil, &out)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, nil, fmt.Errorf("host %s: inbound %d missing: %w", host.Name, host.InboundID, apperr.ErrConfig)
		}
		return nil, nil, err
	}
	var inbound Inbound
	if err := json.Unmarshal(out.Obj, &inbound); err != nil {
		return nil, nil, fmt.Errorf("host %s: inbound payload: %w", host.Name, apperr.ErrRemoteTransient)
	}
	var settings inboundSettings
	if inbound.Settings != "" {
		if err := json.Unmarshal([]byte(inbound.Settings), &settings); err != nil {
			return nil, nil, fmt.Errorf("host %s: inbound settings: %w", host.Name, apperr.ErrRemoteTransient)
		}
	}
	return &inbound, settings.Clients, nil
}

// ListClients enumerates every client of the host's inbound, enriched with
// traffic counters where the panel reports them.
func (a *Adapter) ListClients(ctx context.Context, host *db.Host) ([]KeySnapshot, error) {
	inbound, clients, err := a.fetchInbound(ctx, host)
	if err != nil {
		return nil, err
	}
	traffic := make(map[string]ClientTraffic, len(inbound.ClientStats))
	for _, t := range inbound.ClientStats {
		traffic[t.Email] = t
	}
	snaps := make([]KeySnapshot, 0, len(clients))
	for _, c := range clients {
		snap := a.snapshot(host, inbound, c)
		if t, ok := traffic[c.Email]; ok {
			snap.TrafficUp, snap.TrafficDown = t.Up, t.Down
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// GetKeyDetails inspects a single client by email. Returns (nil, nil) when
// the client is absent.
func (a *Adapter) GetKeyDetails(ctx context.Context, host *db.Host, email string) (*KeySnapshot, error) {
	snaps, err := a.ListClients(ctx, host)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		if snaps[i].Email == email {
			return &snaps[i], nil
		}
	}
	return nil, nil
}

// CreateOrUpdateKey is the provisioning entry point. When email names an
// existing client its expiry is extended by the requested duration on top of
// max(now, current expiry) and its UUID rotated; otherwise a fresh
// user{uid}-key{n}@{code}.bot email is allocated (smallest free n on the
// panel) and a new client created.
func (a *Adapter) CreateOrUpdateKey(ctx context.Context, host *db.Host, userID int64, email string, months, days, hours int) (*KeySnapshot, error) {
	inbound, clients, err := a.fetchInbound(ctx, host)
	if err != nil {
		return nil, err
	}
	dur := DurationMs(months, days, hours)
	now := time.Now().UTC()

	if email != "" {
		for _, c := range clients {
			if c.Email != email {
				continue
			}
			base := timeToMs(now)
			if c.ExpiryTime > base {
				base = c.ExpiryTime
			}
			updated := c
			updated.ID = uuid.NewString()
			updated.ExpiryTime = base + dur
			updated.Enable = true
			if updated.SubID == "" {
				updated.SubID = newSubID()
			}
			if err := a.submitClient(ctx, host, fmt.Sprintf("/panel/api/inbounds/updateClient/%s", c.ID), updated); err != nil {
				return nil, err
			}
			snap := a.snapshot(host, inbound, updated)
			return &snap, nil
		}
		// fall through: unknown email gets a fresh allocation
	}

	n := nextKeyNumber(clients, userID, host.Code)
	fresh := Client{
		ID:         uuid.NewString(),
		Email:      KeyEmail(userID, n, host.Code),
		ExpiryTime: timeToMs(now) + dur,
		Enable:     true,
		TgID:       userID,
		SubID:      newSubID(),
	}
	if err := a.submitClient(ctx, host, "/panel/api/inbounds/addClient", fresh); err != nil {
		return nil, err
	}
	snap := a.snapshot(host, inbound, fresh)
	return &snap, nil
}

// DeleteClient removes a client by email or UUID. Success if already absent.
func (a *Adapter) DeleteClient(ctx context.Context, host *db.Host, emailOrUUID string) error {
	_, clients, err := a.fetchInbound(ctx, host)
	if err != nil {
		return err
	}
	for _, c := range clients {
		if c.Email == emailOrUUID || c.ID == emailOrUUID {
			var out apiResponse
			return a.call(ctx, host, http.MethodPost,
				fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", host.InboundID, c.ID), nil, &out)
		}
	}
	return nil
}

// SetClientEnabled flips a client's enable flag in place.
func (a *Adapter) SetClientEnabled(ctx context.Context, host *db.Host, email string, enabled bool) error {
	_, clients, err := a.fetchInbound(ctx, host)
	if err != nil {
		return err
	}
	for _, c := range clients {
		if c.Email == email {
			c.Enable = enabled
			return a.submitClient(ctx, host, fmt.Sprintf("/panel/api/inbounds/updateClient/%s", c.ID), c)
		}
	}
	return fmt.Errorf("client %s not on host %s: %w", email, host.Name, apperr.ErrConflict)
}

// submitClient posts one client through the settings-as-string envelope the
// panel expects.
func (a *Adapter) submitClient(ctx context.Context, host *db.Host, path string, c Client) error {
	settings, err := json.Marshal(inboundSettings{Clients: []Client{c}})
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"id":       host.InboundID,
		"settings": string(settings),
	}
	var out apiResponse
	return a.call(ctx, host, http.MethodPost, path, payload, &out)
}

func (a *Adapter) snapshot(host *db.Host, inbound *Inbound, c Client) KeySnapshot {
	snap := KeySnapshot{
		UUID:     c.ID,
		Email:    c.Email,
		ExpiryAt: msToTime(c.ExpiryTime),
		Enabled:  c.Enable,
	}
	snap.ConnString = connString(host, inbound, c)
	if host.SubBaseURL != "" && c.SubID != "" {
		snap.SubLink = strings.TrimRight(host.SubBaseURL, "/") + "/sub/" + c.SubID
	}
	return snap
}

// DurationMs converts a plan duration to milliseconds; a month counts as 30
// days.
func DurationMs(months, days, hours int) int64 {
	d := time.Duration(months)*30*24*time.Hour +
		time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour
	return d.Milliseconds()
}

// nextKeyNumber picks the smallest positive n not in use for this user on
// this host, derived from the panel enumeration alone.
func nextKeyNumber(clients []Client, userID int64, hostCode string) int {
	used := make(map[int]bool)
	for _, c := range clients {
		m := emailPattern.FindStringSubmatch(c.Email)
		if m == nil || m[3] != hostCode {
			continue
		}
		uid, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || uid != userID {
			continue
		}
		if n, err := strconv.Atoi(m[2]); err == nil {
			used[n] = true
		}
	}
	for n := 1; ; n++ {
		if !used[n] {
			return n
		}
	}
}

func connString(host *db.Host, inbound *Inbound, c Client) string {
	u, err := url.Parse(host.BaseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	network := "tcp"
	if inbound.StreamSettings != "" {
		var ss struct {
			Network  string `json:"network"`
			Security string `json:"security"`
		}
		if json.Unmarshal([]byte(inbound.StreamSettings), &ss) == nil && ss.Network != "" {
			network = ss.Network
		}
	}
	switch inbound.Protocol {
	case "vless", "":
		return fmt.Sprintf("vless://%s@%s:%d?type=%s#%s", c.ID, u.Hostname(), inbound.Port, network, url.PathEscape(c.Email))
	default:
		return fmt.Sprintf("%s://%s@%s:%d#%s", inbound.Protocol, c.ID, u.Hostname(), inbound.Port, url.PathEscape(c.Email))
	}
}

func newSubID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
