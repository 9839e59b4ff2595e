package service

import (
	"context"

	"AnonChatService/internal/jobs"
	"AnonChatService/internal/models"

	"go.uber.org/zap"
)

// Типы фоновых задач
const (
	JobMessageProcess         = "message.process"
	JobReplyDeliver           = "reply.deliver"
	JobReplyStatus            = "reply.status"
	JobChargeResult           = "charge.result"
	JobCallDataRecord         = "call.cdr"
	JobSweepExpireProvisional = "sweep.expire_provisional"
	JobSweepExpirePermanent   = "sweep.expire_permanent"
	JobSweepReinvigorate      = "sweep.reinvigorate"
	JobSweepCleanupChats      = "sweep.cleanup_chats"
	JobSweepCleanupReplies    = "sweep.cleanup_replies"
	JobSweepChargeTimeout     = "sweep.charge_timeout"
)

// MessageProcessArgs аргументы обработки входящего сообщения
type MessageProcessArgs struct {
	MessageID uint `json:"message_id"`
}

// ReplyDeliverArgs аргументы отправки захваченных ответов
type ReplyDeliverArgs struct {
	ReplyIDs []uint `json:"reply_ids"`
}

// ReplyStatusArgs аргументы применения квитанции о доставке
type ReplyStatusArgs struct {
	Token  string                `json:"token"`
	Signal models.DeliverySignal `json:"signal"`
}

// ChargeResultArgs аргументы ответа сервиса тарификации
type ChargeResultArgs struct {
	ChargeRequestID uint   `json:"charge_request_id"`
	Result          string `json:"result"`
	Reason          string `json:"reason"`
}

// JobRegistry принимает обработчики задач
type JobRegistry interface {
	Register(jobType string, handler jobs.Handler)
	OnDead(jobType string, hook jobs.DeadHook)
}

// Services набор сервисов, которые обслуживают фоновые задачи
type Services struct {
	Router    *InboundRouter
	Voice     *VoiceRouter
	Lifecycle *ChatLifecycle
	Delivery  *DeliveryService
	Charges   *ChargeRequestService
}

// RegisterJobHandlers регистрирует обработчики всех типов задач
func RegisterJobHandlers(registry JobRegistry, svc Services, logger *zap.Logger) {
	registry.Register(JobMessageProcess, func(ctx context.Context, job *jobs.Job) error {
		var args MessageProcessArgs
		if err := job.Decode(&args); err != nil {
			return err
		}
		return svc.Router.ProcessMessage(ctx, args.MessageID)
	})

	registry.Register(JobReplyDeliver, func(ctx context.Context, job *jobs.Job) error {
		var args ReplyDeliverArgs
		if err := job.Decode(&args); err != nil {
			return err
		}
		return svc.Delivery.DeliverBatch(ctx, args.ReplyIDs)
	})
	registry.OnDead(JobReplyDeliver, func(ctx context.Context, job *jobs.Job, cause error) {
		var args ReplyDeliverArgs
		if err := job.Decode(&args); err != nil {
			return
		}
		if err := svc.Delivery.ReleaseBatch(ctx, args.ReplyIDs); err != nil {
			logger.Error("Failed to release undeliverable replies", zap.Error(err), zap.Uints("reply_ids", args.ReplyIDs))
		}
	})

	registry.Register(JobReplyStatus, func(ctx context.Context, job *jobs.Job) error {
		var args ReplyStatusArgs
		if err := job.Decode(&args); err != nil {
			return err
		}
		return svc.Delivery.UpdateDeliveryStatus(ctx, args.Token, args.Signal)
	})

	registry.Register(JobChargeResult, func(ctx context.Context, job *jobs.Job) error {
		var args ChargeResultArgs
		if err := job.Decode(&args); err != nil {
			return err
		}
		return svc.Charges.UpdateResult(ctx, args.ChargeRequestID, args.Result, args.Reason)
	})

	registry.Register(JobCallDataRecord, func(ctx context.Context, job *jobs.Job) error {
		var cdr models.CallDataRecord
		if err := job.Decode(&cdr); err != nil {
			return err
		}
		return svc.Voice.RecordCallData(ctx, &cdr)
	})

	registry.Register(JobSweepExpireProvisional, func(ctx context.Context, _ *jobs.Job) error {
		_, err := svc.Lifecycle.ExpireAll(ctx, models.ExpiryProvisional)
		return err
	})
	registry.Register(JobSweepExpirePermanent, func(ctx context.Context, _ *jobs.Job) error {
		_, err := svc.Lifecycle.ExpireAll(ctx, models.ExpiryPermanent)
		return err
	})
	registry.Register(JobSweepReinvigorate, func(ctx context.Context, _ *jobs.Job) error {
		_, err := svc.Lifecycle.ReinvigorateAll(ctx)
		return err
	})
	registry.Register(JobSweepCleanupChats, func(ctx context.Context, _ *jobs.Job) error {
		_, err := svc.Lifecycle.Cleanup(ctx)
		return err
	})
	registry.Register(JobSweepCleanupReplies, func(ctx context.Context, _ *jobs.Job) error {
		_, err := svc.Delivery.Cleanup(ctx)
		return err
	})
	registry.Register(JobSweepChargeTimeout, func(ctx context.Context, _ *jobs.Job) error {
		_, err := svc.Charges.TimeoutSweep(ctx)
		return err
	})
}
