package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/logger"
	"VPN-Sales-Bot/internal/panel"
)

// expiryTolerance is how far panel and local expiry may drift before the
// panel value is written back.
const expiryTolerance = time.Second

// Reconciler periodically converges local key records with panel truth. The
// panel is authoritative for expiry, enabled flag and traffic; the store is
// authoritative for ownership and plan linkage.
type Reconciler struct {
	store         *db.Store
	panel         PanelClient
	deleteOrphans bool
	retention     time.Duration
	now           func() time.Time
}

func NewReconciler(store *db.Store, pc PanelClient, deleteOrphans bool, retentionDays int) *Reconciler {
	if retentionDays <= 0 {
		retentionDays = 5
	}
	return &Reconciler{
		store:         store,
		panel:         pc,
		deleteOrphans: deleteOrphans,
		retention:     time.Duration(retentionDays) * 24 * time.Hour,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle walks every configured host. Per-host failures are isolated;
// cancellation is honoured between hosts.
func (r *Reconciler) RunCycle(ctx context.Context) {
	hosts, err := r.store.GetAllHosts()
	if err != nil {
		logger.Error("reconcile: listing hosts", zap.Error(err))
		return
	}
	for i := range hosts {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := r.reconcileHost(ctx, &hosts[i]); err != nil {
			logger.Error("reconcile: host aborted", zap.String("host", hosts[i].Name), zap.Error(err))
		}
	}
}

func (r *Reconciler) reconcileHost(ctx context.Context, host *db.Host) error {
	if err := r.panel.Login(ctx, host); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	snaps, err := r.panel.ListClients(ctx, host)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	byEmail := make(map[string]panel.KeySnapshot, len(snaps))
	for _, s := range snaps {
		byEmail[s.Email] = s
	}

	keys, err := r.store.GetKeysForHost(host.ID)
	if err != nil {
		return err
	}
	now := r.now()
	for _, key := range keys {
		if err := r.reconcileKey(ctx, host, key, byEmail, now); err != nil {
			logger.Error("reconcile: key", zap.String("email", key.Email), zap.Error(err))
		}
	}

	// whatever is left on the panel has no local record
	if len(byEmail) == 0 {
		return nil
	}
	if r.deleteOrphans {
		for email := range byEmail {
			if err := r.panel.DeleteClient(ctx, host, email); err != nil {
				logger.Error("reconcile: orphan delete", zap.String("host", host.Name), zap.String("email", email), zap.Error(err))
			}
		}
		return nil
	}
	logger.Warn("reconcile: orphan panel clients found",
		zap.String("host", host.Name), zap.Int("count", len(byEmail)))
	return nil
}

// reconcileKey resolves one local key against the panel map, consuming its
// entry.
func (r *Reconciler) reconcileKey(ctx context.Context, host *db.Host, key db.Key, byEmail map[string]panel.KeySnapshot, now time.Time) error {
	// long-expired keys are retired on both sides
	if now.Sub(key.ExpiryAt) > r.retention {
		delete(byEmail, key.Email)
		if err := r.panel.DeleteClient(ctx, host, key.Email); err != nil {
			return fmt.Errorf("retention delete on panel: %w", err)
		}
		return r.store.DeleteKeyByEmail(key.Email)
	}

	snap, present := byEmail[key.Email]
	delete(byEmail, key.Email)
	if !present {
		// orphan local record: the panel no longer knows this client
		return r.store.UpdateKeyStatusFromServer(key.Email, nil)
	}

	drift := snap.ExpiryAt.Sub(key.ExpiryAt)
	if drift < 0 {
		drift = -drift
	}
	statusDrift := key.Status != db.StatusFor(key.IsTrial, key.ExpiryAt, now)
	if drift > expiryTolerance || snap.Enabled != key.Enabled ||
		snap.TrafficUp != key.TrafficUp || snap.TrafficDown != key.TrafficDown || statusDrift {
		return r.store.UpdateKeyStatusFromServer(key.Email, &db.ServerClient{
			UUID:        snap.UUID,
			ExpiryAt:    snap.ExpiryAt,
			Enabled:     snap.Enabled,
			TrafficUp:   snap.TrafficUp,
			TrafficDown: snap.TrafficDown,
		})
	}
	return nil
}

// RefreshUserKeys reconciles a single user's keys on demand, the admin
// "refresh" operation.
func (r *Reconciler) RefreshUserKeys(ctx context.Context, userID int64) error {
	keys, err := r.store.GetUserKeys(userID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		host, err := r.store.GetHost(key.HostID)
		if err != nil {
			logger.Error("refresh: host of key missing", zap.Uint("key_id", key.ID), zap.Error(err))
			continue
		}
		snap, err := r.panel.GetKeyDetails(ctx, &host, key.Email)
		if err != nil {
			logger.Error("refresh: panel lookup", zap.String("email", key.Email), zap.Error(err))
			continue
		}
		var client *db.ServerClient
		if snap != nil {
			client = &db.ServerClient{
				UUID:        snap.UUID,
				ExpiryAt:    snap.ExpiryAt,
				Enabled:     snap.Enabled,
				TrafficUp:   snap.TrafficUp,
				TrafficDown: snap.TrafficDown,
			}
		}
		if err := r.store.UpdateKeyStatusFromServer(key.Email, client); err != nil {
			logger.Error("refresh: store update", zap.String("email", key.Email), zap.Error(err))
		}
	}
	return nil
}

// RevokeUser deletes every key of a user locally and on the panels.
func (r *Reconciler) RevokeUser(ctx context.Context, userID int64) error {
	keys, err := r.store.GetUserKeys(userID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		host, err := r.store.GetHost(key.HostID)
		if err == nil {
			if derr := r.panel.DeleteClient(ctx, &host, key.Email); derr != nil {
				logger.Error("revoke: panel delete", zap.String("email", key.Email), zap.Error(derr))
			}
		}
	}
	return r.store.DeleteUserKeys(userID)
}
