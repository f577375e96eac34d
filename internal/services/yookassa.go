package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"VPN-Sales-Bot/internal/db"
)

const yooKassaURL = "https://api.yookassa.ru/v3/payments"

// gatewayTimeout bounds calls out to the payment provider.
const gatewayTimeout = 10 * time.Second

type paymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// CreateYooKassaPayment registers a payment with YooKassa and returns its id
// and the confirmation URL the user is sent to. Metadata is round-tripped by
// the gateway and comes back on the webhook.
func CreateYooKassaPayment(meta Metadata, description, shopID, secretKey string) (paymentID, paymentURL string, err error) {
	body := map[string]interface{}{
		"amount":       map[string]interface{}{"value": meta.Price.StringFixed(2), "currency": "RUB"},
		"confirmation": map[string]string{"type": "redirect"},
		"capture":      true,
		"description":  description,
		"metadata":     meta,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequest(http.MethodPost, yooKassaURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(shopID, secretKey)
	client := &http.Client{Timeout: gatewayTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", "", errors.New("YooKassa error")
	}
	var pr paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", "", err
	}
	return pr.ID, pr.Confirmation.ConfirmationURL, nil
}

// StartPurchase creates the gateway payment and journals the pending
// transaction before returning the confirmation URL. The pending row exists
// before the user can possibly pay.
func StartPurchase(store *db.Store, meta Metadata, shopID, secretKey string) (string, error) {
	description := fmt.Sprintf("VPN subscription for user %d", meta.UserID)
	paymentID, url, err := CreateYooKassaPayment(meta, description, shopID, secretKey)
	if err != nil {
		return "", err
	}
	if err := store.CreatePendingTransaction(paymentID, meta.UserID, meta.Price, "", "yookassa", meta.JSON(), ""); err != nil {
		return "", err
	}
	return url, nil
}
