package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"AnonChatService/config"
	"AnonChatService/pkg/resilience"
	"AnonChatService/pkg/server"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// ErrGatewayTimeout шлюз не ответил за отведенное время
var ErrGatewayTimeout = errors.New("sms gateway timeout")

// messageCreator часть REST клиента Twilio, которой пользуется шлюз
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioGateway отправляет SMS через Twilio REST API
type TwilioGateway struct {
	api            messageCreator
	fromNumber     string
	statusCallback string
	breaker        *resilience.CircuitBreaker
	timeout        time.Duration
	logger         *zap.Logger
}

// NewTwilioGateway создает шлюз; statusCallback адрес вебхука статусов доставки
func NewTwilioGateway(cfg config.TwilioConfig, statusCallback string, resilienceCfg config.ResilienceConfig, logger *zap.Logger) *TwilioGateway {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioGateway(client.Api, cfg.FromNumber, statusCallback, resilienceCfg, logger)
}

func newTwilioGateway(api messageCreator, fromNumber, statusCallback string, resilienceCfg config.ResilienceConfig, logger *zap.Logger) *TwilioGateway {
	breaker := resilience.NewCircuitBreaker(
		"twilio",
		resilienceCfg.Gateway.FailureThreshold,
		resilienceCfg.Gateway.ResetTimeout,
		logger,
	)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		server.RecordCircuitBreakerStateChange(name, int(state))
	})

	return &TwilioGateway{
		api:            api,
		fromNumber:     fromNumber,
		statusCallback: statusCallback,
		breaker:        breaker,
		timeout:        resilienceCfg.Gateway.RequestTimeout,
		logger:         logger,
	}
}

// Send отправляет SMS и возвращает MessageSid как токен для квитанций
func (g *TwilioGateway) Send(ctx context.Context, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(strings.TrimPrefix(to, "sms://"))
	params.SetFrom(g.fromNumber)
	params.SetBody(body)
	if g.statusCallback != "" {
		params.SetStatusCallback(g.statusCallback)
	}

	var sid string
	err := g.breaker.Execute(ctx, "create_message", func(ctx context.Context) error {
		message, err := g.create(ctx, params)
		if err != nil {
			return err
		}
		if message == nil || message.Sid == nil {
			return errors.New("twilio response without sid")
		}
		sid = *message.Sid
		return nil
	})
	if err != nil {
		g.logger.Warn("Failed to send SMS", zap.Error(err))
		return "", fmt.Errorf("failed to send SMS: %w", err)
	}
	return sid, nil
}

// create ограничивает вызов таймаутом: REST клиент не принимает контекст
func (g *TwilioGateway) create(ctx context.Context, params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		message *twilioApi.ApiV2010Message
		err     error
	}
	done := make(chan result, 1)
	go func() {
		message, err := g.api.CreateMessage(params)
		done <- result{message, err}
	}()

	select {
	case r := <-done:
		return r.message, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrGatewayTimeout
		}
		return nil, ctx.Err()
	}
}
