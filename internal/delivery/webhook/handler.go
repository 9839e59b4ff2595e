package webhook

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"AnonChatService/internal/models"
	"AnonChatService/internal/service"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/server"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MessageIngress принимает входящие SMS
type MessageIngress interface {
	HandleInbound(ctx context.Context, in *models.InboundMessage) (*models.Message, error)
}

// CallStepper обрабатывает шаг голосового меню и возвращает TwiML
type CallStepper interface {
	Step(ctx context.Context, step *models.InboundCallStep) (string, error)
}

// TwilioMessageStatus обратный вызов Twilio о статусе SMS
type TwilioMessageStatus struct {
	MessageSid    string `form:"MessageSid" binding:"required"`
	MessageStatus string `form:"MessageStatus" binding:"required"`
}

// Handler обработчики вебхуков шлюза, телефонии и тарификации
type Handler struct {
	messages MessageIngress
	calls    CallStepper
	jobs     service.JobEnqueuer
	logger   *zap.Logger
}

// NewHandler создает новый экземпляр Handler
func NewHandler(messages MessageIngress, calls CallStepper, jobs service.JobEnqueuer, logger *zap.Logger) *Handler {
	return &Handler{
		messages: messages,
		calls:    calls,
		jobs:     jobs,
		logger:   logger,
	}
}

// NewRouter собирает gin движок с трассировкой, метриками и маршрутами вебхуков
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), server.GinTracingMiddleware(logger), server.GinMetricsMiddleware())
	h.RegisterRoutes(engine)
	return engine
}

// RegisterRoutes регистрирует маршруты /inbound
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	inbound := engine.Group("/inbound")
	{
		inbound.POST("/messages", h.InboundMessage)
		inbound.POST("/delivery_receipts", h.DeliveryReceipt)
		inbound.POST("/twilio/message_status", h.TwilioMessageStatus)
		inbound.POST("/phone_calls", h.PhoneCall)
		inbound.POST("/call_data_records", h.CallDataRecord)
		inbound.POST("/charge_requests/:id", h.ChargeResult)
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// InboundMessage принимает SMS (POST /inbound/messages)
func (h *Handler) InboundMessage(c *gin.Context) {
	logger := server.WithRequestID(c.Request.Context(), h.logger)

	var in models.InboundMessage
	if err := c.ShouldBindJSON(&in); err != nil {
		logger.Warn("Invalid inbound message", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	message, err := h.messages.HandleInbound(c.Request.Context(), &in)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"id": message.ID})
	case errors.Is(err, apperrors.ErrDuplicate):
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case apperrors.IsValidation(err):
		logger.Warn("Rejected inbound message", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error("Failed to accept inbound message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// DeliveryReceipt принимает квитанцию о доставке (POST /inbound/delivery_receipts)
func (h *Handler) DeliveryReceipt(c *gin.Context) {
	var receipt models.DeliveryReceipt
	if err := c.ShouldBindJSON(&receipt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	signal, ok := models.SignalFromReceipt(receipt.State)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown delivery state"})
		return
	}

	h.enqueue(c, service.JobReplyStatus, service.ReplyStatusArgs{Token: receipt.Token, Signal: signal})
}

// TwilioMessageStatus принимает статус SMS от Twilio (POST /inbound/twilio/message_status)
func (h *Handler) TwilioMessageStatus(c *gin.Context) {
	var status TwilioMessageStatus
	if err := c.ShouldBind(&status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	signal, ok := models.SignalFromTwilioStatus(status.MessageStatus)
	if !ok {
		// queued, sending и прочие промежуточные статусы
		c.Status(http.StatusNoContent)
		return
	}

	h.enqueue(c, service.JobReplyStatus, service.ReplyStatusArgs{Token: status.MessageSid, Signal: signal})
}

// PhoneCall ведет звонок по голосовому меню (POST /inbound/phone_calls)
func (h *Handler) PhoneCall(c *gin.Context) {
	logger := server.WithRequestID(c.Request.Context(), h.logger)

	var step models.InboundCallStep
	if err := c.ShouldBind(&step); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	twiml, err := h.calls.Step(c.Request.Context(), &step)
	if apperrors.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.Error("Failed to handle call step", zap.Error(err), zap.String("call_sid", step.CallSid))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(twiml))
}

// CallDataRecord принимает детализацию звонка (POST /inbound/call_data_records)
func (h *Handler) CallDataRecord(c *gin.Context) {
	var cdr models.CallDataRecord
	if err := c.ShouldBindJSON(&cdr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	h.enqueue(c, service.JobCallDataRecord, cdr)
}

// ChargeResult принимает результат тарификации (POST /inbound/charge_requests/:id)
func (h *Handler) ChargeResult(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid charge request id"})
		return
	}

	var result models.ChargeResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	h.enqueue(c, service.JobChargeResult, service.ChargeResultArgs{
		ChargeRequestID: uint(id),
		Result:          result.Result,
		Reason:          result.Reason,
	})
}

// enqueue ставит задачу; при недоступной очереди отправитель повторит вызов
func (h *Handler) enqueue(c *gin.Context, jobType string, args interface{}) {
	if err := h.jobs.Enqueue(c.Request.Context(), jobType, args); err != nil {
		server.WithRequestID(c.Request.Context(), h.logger).Error("Failed to enqueue job",
			zap.Error(err),
			zap.String("job_type", jobType))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Temporarily unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
