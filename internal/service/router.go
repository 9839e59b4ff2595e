package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/server"

	"go.uber.org/zap"
)

// claimKindMessage пространство ключей идемпотентности входящих SMS
const claimKindMessage = "message"

// InboundRouter принимает входящие SMS и решает, что с ними делать
type InboundRouter struct {
	directory *UserDirectory
	lifecycle *ChatLifecycle
	charges   *ChargeRequestService
	messages  MessageRepositoryInterface
	chats     ChatRepositoryInterface
	cache     CacheRepositoryInterface
	jobs      JobEnqueuer
	geocoder  Geocoder
	extractor *ProfileExtractor
	logger    *zap.Logger
	now       func() time.Time
}

// NewInboundRouter создает новый экземпляр InboundRouter. cache и geocoder могут быть nil.
func NewInboundRouter(
	directory *UserDirectory,
	lifecycle *ChatLifecycle,
	charges *ChargeRequestService,
	messages MessageRepositoryInterface,
	chats ChatRepositoryInterface,
	cache CacheRepositoryInterface,
	jobs JobEnqueuer,
	geocoder Geocoder,
	logger *zap.Logger,
) *InboundRouter {
	return &InboundRouter{
		directory: directory,
		lifecycle: lifecycle,
		charges:   charges,
		messages:  messages,
		chats:     chats,
		cache:     cache,
		jobs:      jobs,
		geocoder:  geocoder,
		extractor: NewProfileExtractor(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleInbound сохраняет входящее SMS и ставит его в очередь на обработку.
// Повтор с тем же guid возвращает apperrors.ErrDuplicate, если сообщение уже обработано,
// иначе снова ставит его в очередь.
func (r *InboundRouter) HandleInbound(ctx context.Context, in *models.InboundMessage) (*models.Message, error) {
	if err := validateInbound(in); err != nil {
		return nil, err
	}

	claimed := false
	if in.Guid != "" && r.cache != nil {
		ok, err := r.cache.Claim(ctx, claimKindMessage, in.Guid)
		if err == nil && !ok {
			return nil, fmt.Errorf("message %s: %w", in.Guid, apperrors.ErrDuplicate)
		}
		claimed = err == nil
	}
	release := func() {
		if claimed {
			if err := r.cache.Release(ctx, claimKindMessage, in.Guid); err != nil {
				r.logger.Warn("Failed to release message claim", zap.Error(err), zap.String("guid", in.Guid))
			}
		}
	}

	user, _, err := r.directory.FindOrCreate(ctx, in.From)
	if err != nil {
		release()
		return nil, err
	}
	if in.Operator != "" && in.Operator != user.OperatorName {
		if user, err = r.directory.UpdateProfile(ctx, user, map[string]interface{}{"operator_name": in.Operator}); err != nil {
			release()
			return nil, err
		}
	}

	message := &models.Message{
		UserID:              user.ID,
		From:                user.MobileNumber,
		Body:                in.Body,
		Channel:             in.Channel,
		CsmsReferenceNumber: in.CsmsReferenceNumber,
		CsmsTotalParts:      in.CsmsTotalParts,
		CsmsSequenceNumber:  in.CsmsSequenceNumber,
	}
	if in.Guid != "" {
		guid := in.Guid
		message.Guid = &guid
	}

	if err := r.messages.Create(ctx, message); err != nil {
		if errors.Is(err, apperrors.ErrDuplicate) {
			return r.redeliver(ctx, in.Guid)
		}
		release()
		return nil, err
	}

	if err := r.jobs.Enqueue(ctx, JobMessageProcess, MessageProcessArgs{MessageID: message.ID}); err != nil {
		// Сообщение сохранено без задачи; повтор вебхука поставит его в очередь заново
		r.logger.Error("Failed to enqueue message", zap.Error(err), zap.Uint("message_id", message.ID))
		release()
		return nil, err
	}
	return message, nil
}

// redeliver обрабатывает повтор вебхука: необработанное сообщение снова ставится в очередь
func (r *InboundRouter) redeliver(ctx context.Context, guid string) (*models.Message, error) {
	duplicate := fmt.Errorf("message %s: %w", guid, apperrors.ErrDuplicate)
	if guid == "" {
		return nil, duplicate
	}

	message, err := r.messages.GetByGuid(ctx, guid)
	if err != nil {
		return nil, err
	}
	if message.ProcessedAt != nil {
		return nil, duplicate
	}

	if err := r.jobs.Enqueue(ctx, JobMessageProcess, MessageProcessArgs{MessageID: message.ID}); err != nil {
		r.logger.Error("Failed to re-enqueue message", zap.Error(err), zap.Uint("message_id", message.ID))
		if r.cache != nil {
			if err := r.cache.Release(ctx, claimKindMessage, guid); err != nil {
				r.logger.Warn("Failed to release message claim", zap.Error(err), zap.String("guid", guid))
			}
		}
		return nil, err
	}
	r.logger.Info("Re-enqueued unprocessed message", zap.Uint("message_id", message.ID))
	return message, nil
}

func validateInbound(in *models.InboundMessage) error {
	if strings.TrimSpace(in.From) == "" {
		return fmt.Errorf("%w: from is required", apperrors.ErrValidation)
	}

	set := 0
	for _, v := range []*int{in.CsmsReferenceNumber, in.CsmsTotalParts, in.CsmsSequenceNumber} {
		if v != nil {
			set++
		}
	}
	if set == 0 {
		return nil
	}
	if set != 3 {
		return fmt.Errorf("%w: incomplete multipart metadata", apperrors.ErrValidation)
	}
	if *in.CsmsTotalParts < 1 || *in.CsmsSequenceNumber < 1 || *in.CsmsSequenceNumber > *in.CsmsTotalParts {
		return fmt.Errorf("%w: multipart sequence %d of %d", apperrors.ErrValidation, *in.CsmsSequenceNumber, *in.CsmsTotalParts)
	}
	return nil
}

// ProcessMessage обрабатывает сохраненное сообщение ровно один раз.
// Неполное многочастное SMS и неразрешенная тарификация дают apperrors.ErrNotReady.
func (r *InboundRouter) ProcessMessage(ctx context.Context, messageID uint) error {
	message, err := r.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if message.ProcessedAt != nil {
		return nil
	}

	logger := server.WithRequestID(ctx, r.logger).With(zap.Uint("message_id", message.ID), zap.Uint("user_id", message.UserID))

	lead, body, rest := message, message.Body, []uint(nil)
	if message.Multipart() {
		total := *message.CsmsTotalParts
		parts, err := r.messages.Parts(ctx, message.UserID, *message.CsmsReferenceNumber, total)
		if err != nil {
			return err
		}
		chosen, ids := assemble(parts, total)
		if chosen == nil {
			return fmt.Errorf("%w: message %d has %d of %d parts", apperrors.ErrNotReady, message.ID, len(parts), total)
		}

		// Обрабатывает тот, кто первым увидел все части; захват идет по первой части
		lead = chosen[0]
		bodies := make([]string, 0, total)
		for _, part := range chosen {
			bodies = append(bodies, part.Body)
		}
		body = strings.Join(bodies, "")
		for _, id := range ids {
			if id != lead.ID {
				rest = append(rest, id)
			}
		}
	}

	user, err := r.directory.Get(ctx, lead.UserID)
	if err != nil {
		return err
	}

	if proceed, err := r.chargeGate(ctx, user, lead, rest); err != nil || !proceed {
		return err
	}

	won, err := r.messages.MarkProcessed(ctx, lead.ID, r.now())
	if err != nil {
		return err
	}
	if !won {
		logger.Debug("Message already processed")
		return nil
	}

	if err := r.Route(ctx, user, lead, body); err != nil {
		if releaseErr := r.messages.ReleaseProcessed(ctx, lead.ID); releaseErr != nil {
			logger.Error("Failed to release processed mark", zap.Error(releaseErr))
		}
		return err
	}
	if err := r.messages.MarkPartsProcessed(ctx, rest, r.now()); err != nil {
		logger.Error("Failed to mark message parts processed", zap.Error(err))
		return err
	}
	return nil
}

// assemble выбирает по одной части на каждый номер с 1 по total, предпочитая последнюю полученную.
// Возвращает nil, если каких-то частей не хватает; ids содержит все просмотренные части.
func assemble(parts []models.Message, total int) ([]*models.Message, []uint) {
	chosen := make([]*models.Message, total)
	ids := make([]uint, 0, len(parts))
	for i := range parts {
		ids = append(ids, parts[i].ID)
		if seq := parts[i].CsmsSequenceNumber; seq != nil && *seq >= 1 && *seq <= total {
			chosen[*seq-1] = &parts[i]
		}
	}
	for _, part := range chosen {
		if part == nil {
			return nil, ids
		}
	}
	return chosen, ids
}

// chargeGate дожидается тарификации сообщения. false без ошибки означает, что обработка окончена.
func (r *InboundRouter) chargeGate(ctx context.Context, user *models.User, message *models.Message, rest []uint) (bool, error) {
	if r.charges == nil || !r.charges.Required(user) {
		return true, nil
	}

	requester := models.RequesterFor(models.KindMessage, message.ID)
	request, err := r.charges.ForRequester(ctx, requester)
	if apperrors.IsNotFound(err) {
		request, err = r.charges.Request(ctx, requester, user)
	}
	if err != nil {
		return false, err
	}

	switch {
	case request.State == models.ChargeFailed:
		won, err := r.messages.MarkProcessed(ctx, message.ID, r.now())
		if err != nil || !won {
			return false, err
		}
		if err := r.messages.MarkPartsProcessed(ctx, rest, r.now()); err != nil {
			return false, err
		}
		_, err = r.lifecycle.delivery.Send(ctx, user, nil, textChargeFailed())
		return false, err
	case request.State.Resolved() || r.charges.Slow(request):
		return true, nil
	default:
		return false, fmt.Errorf("%w: charge request %d is %s", apperrors.ErrNotReady, request.ID, request.State)
	}
}

// Route выполняет команду из текста сообщения
func (r *InboundRouter) Route(ctx context.Context, user *models.User, message *models.Message, body string) error {
	command := strings.ToLower(strings.TrimSpace(body))

	if command == "stop" {
		return r.lifecycle.Logout(ctx, user.ID, true)
	}

	if user.Chatting() {
		chat, err := r.chats.GetByID(ctx, *user.ActiveChatID)
		switch {
		case err == nil:
			if command == "new" {
				if err := r.messages.AssignChat(ctx, message.ID, chat.ID); err != nil {
					return err
				}
				return r.lifecycle.SwitchChat(ctx, chat, user)
			}
			return r.lifecycle.ForwardMessage(ctx, chat, user, message, body)
		case !apperrors.IsNotFound(err):
			return err
		}
		// Чат удален очисткой, ищем новый
		user.ActiveChatID = nil
	}

	return r.match(ctx, user, message, body)
}

func (r *InboundRouter) match(ctx context.Context, user *models.User, message *models.Message, body string) error {
	update := r.extractor.Extract(body)
	fields := update.Fields(user, r.now())

	user, err := r.directory.UpdateProfile(ctx, user, fields)
	if err != nil {
		return err
	}
	if _, ok := fields["city"]; ok {
		r.geocode(ctx, user)
	}

	if err := r.directory.Touch(ctx, user); err != nil {
		return err
	}
	if err := r.directory.MarkOnline(ctx, user); err != nil {
		return err
	}

	opts := DefaultActivateOptions()
	opts.Starter = models.StarterFor(models.KindMessage, message.ID)
	chat, err := r.lifecycle.Activate(ctx, user, opts)
	if err != nil {
		return err
	}
	if chat != nil {
		return r.messages.AssignChat(ctx, message.ID, chat.ID)
	}
	return nil
}

// geocode уточняет координаты пользователя; ошибки только логируются
func (r *InboundRouter) geocode(ctx context.Context, user *models.User) {
	if r.geocoder == nil || user.Address == "" {
		return
	}

	result, err := r.geocoder.Geocode(ctx, user.Address, user.CountryCode)
	if err != nil || result == nil {
		if err != nil {
			r.logger.Debug("Geocoding failed", zap.Error(err), zap.Uint("user_id", user.ID))
		}
		return
	}

	fields := map[string]interface{}{
		"latitude":  result.Latitude,
		"longitude": result.Longitude,
	}
	if result.City != "" {
		fields["city"] = result.City
	}
	updated, err := r.directory.UpdateProfile(ctx, user, fields)
	if err != nil {
		r.logger.Warn("Failed to store location", zap.Error(err), zap.Uint("user_id", user.ID))
		return
	}
	*user = *updated
}
