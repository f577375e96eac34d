package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/logger"
)

// webhookWait bounds the synchronous wait on the pipeline; the gateway
// expects a timely 200 and retries on its own, which pipeline idempotency
// absorbs.
const webhookWait = 5 * time.Second

// checkYooKassaSignature verifies the HMAC signature delivered in either the
// Authorization header or Content-Yoomoney-Signature.
func checkYooKassaSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	var signatures []string
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "HMAC ") || strings.HasPrefix(authHeader, "HMAC-SHA256 ") {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 {
				signatures = append(signatures, parts[1])
			}
		}
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	if len(signatures) == 0 {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(calc)) {
			return true
		}
	}
	return false
}

type yooKassaEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID       string          `json:"id"`
		Status   string          `json:"status"`
		Test     bool            `json:"test"`
		Metadata json.RawMessage `json:"metadata"`
	} `json:"object"`
}

// normalizeYooKassa converts a YooKassa payload into the gateway-agnostic
// event.
func normalizeYooKassa(body []byte) (*SettlementEvent, error) {
	var event yooKassaEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	status := ""
	switch event.Object.Status {
	case "succeeded":
		status = db.TxPaid
	case "canceled":
		status = db.TxCanceled
	default:
		// waiting_for_capture and friends carry no settlement action
		return nil, nil
	}
	meta, err := ParseMetadata(event.Object.Metadata)
	if err != nil {
		return nil, err
	}
	return &SettlementEvent{
		PaymentID: event.Object.ID,
		Status:    status,
		Test:      event.Object.Test,
		Gateway:   "yookassa",
		Metadata:  meta,
		Raw:       body,
	}, nil
}

// YooKassaWebhook handles POST /yookassa-webhook. Syntactically valid
// payloads always get 200 to prevent retry storms; semantic failures are
// logged.
func YooKassaWebhook(settle *Settlement, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer logger.NotifyOnPanic("YooKassaWebhook")
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		if secret != "" {
			auth := c.GetHeader("Authorization")
			yoomoney := c.GetHeader("Content-Yoomoney-Signature")
			if !checkYooKassaSignature(secret, body, auth, yoomoney) {
				logger.NotifyAdmin("Invalid webhook signature")
				c.String(http.StatusUnauthorized, "invalid signature")
				return
			}
		}
		ev, err := normalizeYooKassa(body)
		if err != nil {
			logger.Error("webhook: unparseable payload", zap.Error(err))
			c.Status(http.StatusBadRequest)
			return
		}
		if ev == nil {
			c.Status(http.StatusOK)
			return
		}
		dispatch(settle, *ev)
		c.Status(http.StatusOK)
	}
}

// dispatch runs the pipeline asynchronously and waits at most webhookWait
// before letting the handler answer. The pipeline keeps running past the
// wait; the CAS absorbs the gateway's redundant retries.
func dispatch(settle *Settlement, ev SettlementEvent) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := settle.Process(ctx, ev); err != nil {
			logger.Error("webhook: settlement failed",
				zap.String("payment_id", ev.PaymentID), zap.Error(err))
		}
	}()
	select {
	case <-done:
	case <-time.After(webhookWait):
		logger.Warn("webhook: pipeline still running after wait budget",
			zap.String("payment_id", ev.PaymentID))
	}
}
