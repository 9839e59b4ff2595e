package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"AnonChatService/config"
	"AnonChatService/internal/models"
	"AnonChatService/pkg/server"

	"go.uber.org/zap"
)

// chargePayload тело запроса на тарификацию
type chargePayload struct {
	ChargeRequestID uint   `json:"charge_request_id"`
	MobileNumber    string `json:"mobile_number"`
	Operator        string `json:"operator"`
	CallbackURL     string `json:"callback_url"`
}

// HTTPBillingClient передает запросы на тарификацию внешнему сервису.
// Результат сервис присылает на callback_url.
type HTTPBillingClient struct {
	client    *http.Client
	url       string
	publicURL string
	logger    *zap.Logger
}

// NewHTTPBillingClient создает новый экземпляр HTTPBillingClient
func NewHTTPBillingClient(cfg config.BillingConfig, publicURL string, logger *zap.Logger) *HTTPBillingClient {
	return &HTTPBillingClient{
		client:    &http.Client{Timeout: 10 * time.Second},
		url:       cfg.URL,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}
}

// CallbackURL адрес, на который сервис тарификации присылает результат
func (c *HTTPBillingClient) CallbackURL(requestID uint) string {
	return fmt.Sprintf("%s/inbound/charge_requests/%d", c.publicURL, requestID)
}

// Charge отправляет запрос; любой ответ кроме 2xx считается ошибкой
func (c *HTTPBillingClient) Charge(ctx context.Context, request *models.ChargeRequest) error {
	body, err := json.Marshal(chargePayload{
		ChargeRequestID: request.ID,
		MobileNumber:    request.MobileNumber,
		Operator:        request.Operator,
		CallbackURL:     c.CallbackURL(request.ID),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID := server.GetRequestID(ctx); requestID != "" {
		req.Header.Set(server.RequestIDHeader, requestID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("charge request %d: %w", request.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("charge request %d: unexpected status %d", request.ID, resp.StatusCode)
	}

	c.logger.Debug("Charge request sent", zap.Uint("charge_request_id", request.ID))
	return nil
}
