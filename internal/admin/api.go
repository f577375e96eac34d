// Package admin exposes the operator HTTP API for manual lifecycle
// operations: settlement retry, per-user reconciliation, key toggling,
// revocation and bans.
package admin

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/logger"
	"VPN-Sales-Bot/internal/services"
)

type API struct {
	store      *db.Store
	panel      services.PanelClient
	settlement *services.Settlement
	reconciler *services.Reconciler
	token      string
	adminID    int64
}

func NewAPI(store *db.Store, pc services.PanelClient, settle *services.Settlement, rec *services.Reconciler, token string, adminID int64) *API {
	return &API{store: store, panel: pc, settlement: settle, reconciler: rec, token: token, adminID: adminID}
}

// Register mounts the admin routes behind the bearer-token middleware.
func (a *API) Register(r *gin.Engine) {
	r.Use(cors.Default())
	g := r.Group("/", a.auth())
	g.POST("/transactions/retry/:payment_id", a.retryTransaction)
	g.POST("/refresh-user-keys", a.refreshUserKeys)
	g.POST("/api/toggle-key-enabled", a.toggleKeyEnabled)
	g.POST("/users/revoke/:user_id", a.revokeUser)
	g.POST("/users/ban/:user_id", a.setBanned(true))
	g.POST("/users/unban/:user_id", a.setBanned(false))
	g.GET("/hosts/status", a.hostStatus)
	g.GET("/transactions/pending", a.pendingTransactions)
	g.GET("/users", a.listUsers)
}

func (a *API) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("Authorization")
		want := "Bearer " + a.token
		if a.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (a *API) retryTransaction(c *gin.Context) {
	paymentID := c.Param("payment_id")
	if err := a.settlement.Retry(c.Request.Context(), paymentID); err != nil {
		logger.Error("admin: retry failed", zap.String("payment_id", paymentID), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	logger.LogAdminAction(a.adminID, "retry_transaction", paymentID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) refreshUserKeys(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.reconciler.RefreshUserKeys(c.Request.Context(), req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.LogAdminAction(a.adminID, "refresh_user_keys", strconv.FormatInt(req.UserID, 10))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) toggleKeyEnabled(c *gin.Context) {
	var req struct {
		KeyID   uint  `json:"key_id" binding:"required"`
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := a.store.GetKey(req.KeyID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	host, err := a.store.GetHost(key.HostID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := a.panel.SetClientEnabled(c.Request.Context(), &host, key.Email, *req.Enabled); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := a.store.SetKeyEnabled(key.ID, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.LogAdminAction(a.adminID, "toggle_key_enabled", key.Email)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "enabled": *req.Enabled})
}

func (a *API) revokeUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad user id"})
		return
	}
	if err := a.reconciler.RevokeUser(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.LogAdminAction(a.adminID, "revoke_user", c.Param("user_id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) setBanned(banned bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad user id"})
			return
		}
		if err := a.store.SetUserBanned(userID, banned); err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		action := "ban_user"
		if !banned {
			action = "unban_user"
		}
		logger.LogAdminAction(a.adminID, action, c.Param("user_id"))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (a *API) hostStatus(c *gin.Context) {
	c.JSON(http.StatusOK, services.GetHostStatuses())
}

// listUsers returns the users named by the comma-separated ids query
// parameter.
func (a *API) listUsers(c *gin.Context) {
	var ids []int64
	for _, part := range strings.Split(c.Query("ids"), ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids required"})
		return
	}
	users, err := a.store.GetUsersByIDs(ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, users)
}

func (a *API) pendingTransactions(c *gin.Context) {
	txs, err := a.store.GetPendingTransactions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, txs)
}
