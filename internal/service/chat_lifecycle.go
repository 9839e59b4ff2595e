package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"AnonChatService/config"
	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/server"

	"go.uber.org/zap"
)

// maxActivationAttempts сколько кандидатов пробуем захватить, прежде чем сдаться
const maxActivationAttempts = 5

// ActivateOptions параметры создания нового чата
type ActivateOptions struct {
	// Friend явно заданный собеседник; nil означает лучшего кандидата
	Friend  *models.User
	Starter models.Starter
	// ExcludeInitiator создает чат, в котором активен только собеседник
	ExcludeInitiator bool
	Introduce        bool
	Notify           bool
}

// DefaultActivateOptions параметры активации по входящему сообщению
func DefaultActivateOptions() ActivateOptions {
	return ActivateOptions{Introduce: true, Notify: true}
}

// DeactivateOptions параметры выхода из чата
type DeactivateOptions struct {
	// Users кто покидает чат; пустой список означает обоих участников
	Users                  []uint
	ReactivatePreviousChat bool
	ActivateNewChats       bool
	// SkipOffersFor этим пользователям не предлагаются ни старые, ни новые чаты
	SkipOffersFor []uint
	Notify        bool
}

func (o DeactivateOptions) skipped(userID uint) bool {
	for _, id := range o.SkipOffersFor {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatLifecycle управляет активностью чатов: создание, пересылка, выход, истечение и очистка
type ChatLifecycle struct {
	users     UserRepositoryInterface
	chats     ChatRepositoryInterface
	messages  MessageRepositoryInterface
	directory *UserDirectory
	delivery  *DeliveryService
	cfg       config.ChatConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewChatLifecycle создает новый экземпляр ChatLifecycle
func NewChatLifecycle(
	users UserRepositoryInterface,
	chats ChatRepositoryInterface,
	messages MessageRepositoryInterface,
	directory *UserDirectory,
	delivery *DeliveryService,
	cfg config.ChatConfig,
	logger *zap.Logger,
) *ChatLifecycle {
	return &ChatLifecycle{
		users:     users,
		chats:     chats,
		messages:  messages,
		directory: directory,
		delivery:  delivery,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Activate подбирает собеседника и создает для инициатора новый чат.
// Возвращает nil без ошибки, если чат не получился.
func (l *ChatLifecycle) Activate(ctx context.Context, initiator *models.User, opts ActivateOptions) (*models.Chat, error) {
	logger := server.WithRequestID(ctx, l.logger).With(zap.Uint("user_id", initiator.ID))

	var candidates []models.User
	if opts.Friend != nil {
		candidates = []models.User{*opts.Friend}
	} else {
		var err error
		if candidates, err = l.directory.Candidates(ctx, initiator); err != nil {
			return nil, err
		}
	}

	for i := 0; i < len(candidates) && i < maxActivationAttempts; i++ {
		friend := &candidates[i]
		chat := &models.Chat{UserID: initiator.ID, FriendID: friend.ID, Starter: opts.Starter}

		claims := []uint{friend.ID}
		if !opts.ExcludeInitiator {
			claims = []uint{initiator.ID, friend.ID}
		}

		lost, err := l.chats.CreateActive(ctx, chat, claims)
		if errors.Is(err, apperrors.ErrConflict) {
			if lost == initiator.ID {
				logger.Info("Initiator joined another chat concurrently")
				return nil, nil
			}
			logger.Debug("Candidate claimed concurrently", zap.Uint("friend_id", friend.ID))
			continue
		}
		if apperrors.IsValidation(err) {
			logger.Warn("Chat rejected", zap.Error(err), zap.Uint("friend_id", friend.ID))
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("create chat: %w", err)
		}

		if err := l.activated(ctx, chat, initiator, friend, opts); err != nil {
			return chat, err
		}
		logger.Info("Chat activated", zap.Uint("chat_id", chat.ID), zap.Uint("friend_id", friend.ID))
		return chat, nil
	}

	if _, err := l.users.SetStateUnlessChatting(ctx, initiator.ID, models.UserSearchingForFriend); err != nil {
		return nil, err
	}
	initiator.State = models.UserSearchingForFriend
	server.RecordChatEvent("no_friend")
	logger.Info("No friend found")

	if opts.Notify {
		if _, err := l.delivery.Send(ctx, initiator, nil, textCouldNotFindFriend()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (l *ChatLifecycle) activated(ctx context.Context, chat *models.Chat, initiator, friend *models.User, opts ActivateOptions) error {
	server.RecordChatEvent("activated")

	for _, user := range []*models.User{initiator, friend} {
		if chat.IsActiveUser(user.ID) {
			user.ActiveChatID = &chat.ID
		}
		if user.State == models.UserSearchingForFriend {
			if err := l.users.SetState(ctx, user.ID, models.UserOnline); err != nil {
				return err
			}
			user.State = models.UserOnline
		}
	}

	now := l.now()
	if opts.Introduce {
		if _, err := l.delivery.Send(ctx, friend, &chat.ID, textIntroduction(initiator, now)); err != nil {
			return err
		}
	}
	if opts.Notify {
		if _, err := l.delivery.Send(ctx, initiator, &chat.ID, textNewChatStarted(friend, now)); err != nil {
			return err
		}
	}
	return nil
}

// ForwardMessage пересылает сообщение участника его собеседнику
func (l *ChatLifecycle) ForwardMessage(ctx context.Context, chat *models.Chat, sender *models.User, message *models.Message, body string) error {
	partnerID, ok := chat.Partner(sender.ID)
	if !ok {
		return fmt.Errorf("%w: user %d is not in chat %d", apperrors.ErrValidation, sender.ID, chat.ID)
	}

	if err := l.messages.AssignChat(ctx, message.ID, chat.ID); err != nil {
		return err
	}
	if err := l.chats.Touch(ctx, chat.ID, l.now()); err != nil {
		return err
	}
	if err := l.directory.Touch(ctx, sender); err != nil {
		return err
	}

	partner, err := l.users.GetByID(ctx, partnerID)
	if err != nil {
		return err
	}

	reply, err := l.delivery.Queue(ctx, partner, &chat.ID, textForwarded(sender, body))
	if err != nil {
		return err
	}

	switch {
	case chat.IsActive():
		err = l.delivery.Flush(ctx, []uint{reply.ID})
	case partner.Available() || chat.IsActiveUser(partner.ID):
		err = l.Reactivate(ctx, chat)
	default:
		l.logger.Debug("Partner unavailable, reply held",
			zap.Uint("chat_id", chat.ID),
			zap.Uint("reply_id", reply.ID))
	}
	if err != nil {
		return err
	}

	oneSided, err := l.oneSided(ctx, chat, sender.ID, message.ID)
	if err != nil {
		return err
	}
	if oneSided {
		l.logger.Info("Chat became one-sided",
			zap.Uint("chat_id", chat.ID),
			zap.Uint("user_id", sender.ID))
		server.RecordChatEvent("one_sided")
		return l.SwitchChat(ctx, chat, sender)
	}
	return nil
}

// oneSided проверяет, что N взаимодействий перед текущим сообщением тоже исходили от отправителя
func (l *ChatLifecycle) oneSided(ctx context.Context, chat *models.Chat, senderID, messageID uint) (bool, error) {
	n := l.cfg.MaxOneSidedInteractions
	if n <= 0 {
		return false, nil
	}

	items, err := l.chats.RecentInteractions(ctx, chat.ID, n+1)
	if err != nil {
		return false, err
	}

	prior := make([]models.Interaction, 0, len(items))
	for _, item := range items {
		if item.Kind == models.KindMessage && item.ID == messageID {
			continue
		}
		prior = append(prior, item)
	}

	sender, ok := models.OneSided(prior, n)
	return ok && sender == senderID, nil
}

// SwitchChat завершает текущий чат пользователя и ищет ему нового собеседника.
// Покинутому собеседнику предложения делаются после того, как пользователь получил новый чат.
func (l *ChatLifecycle) SwitchChat(ctx context.Context, chat *models.Chat, user *models.User) error {
	partnerID, ok := chat.Partner(user.ID)
	if !ok {
		return fmt.Errorf("%w: user %d is not in chat %d", apperrors.ErrValidation, user.ID, chat.ID)
	}

	err := l.Deactivate(ctx, chat, DeactivateOptions{
		SkipOffersFor: []uint{user.ID},
		Notify:        true,
	})
	if err != nil {
		return err
	}
	server.RecordChatEvent("switched")

	fresh, err := l.users.GetByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if _, err := l.Activate(ctx, fresh, DefaultActivateOptions()); err != nil {
		return err
	}

	return l.offer(ctx, chat, partnerID, DeactivateOptions{ReactivatePreviousChat: true, ActivateNewChats: true})
}

// Deactivate выводит участников из чата и, по опциям, предлагает им старые или новые чаты
func (l *ChatLifecycle) Deactivate(ctx context.Context, chat *models.Chat, opts DeactivateOptions) error {
	targets := opts.Users
	if len(targets) == 0 {
		targets = chat.ParticipantIDs()
	}

	released, err := l.chats.Deactivate(ctx, chat, targets)
	if err != nil {
		return fmt.Errorf("deactivate chat %d: %w", chat.ID, err)
	}
	if len(released) == 0 {
		return nil
	}
	server.RecordChatEvent("deactivated")
	l.logger.Info("Chat deactivated",
		zap.Uint("chat_id", chat.ID),
		zap.Uints("released", released))

	for _, userID := range released {
		if opts.skipped(userID) {
			continue
		}
		if err := l.afterRelease(ctx, chat, userID, opts); err != nil {
			return err
		}
	}
	return nil
}

func (l *ChatLifecycle) afterRelease(ctx context.Context, chat *models.Chat, userID uint, opts DeactivateOptions) error {
	if opts.Notify {
		user, err := l.users.GetByID(ctx, userID)
		if err != nil {
			return err
		}
		partnerID, _ := chat.Partner(userID)
		partner, err := l.users.GetByID(ctx, partnerID)
		if err != nil {
			return err
		}
		if _, err := l.delivery.Send(ctx, user, nil, textChatEnded(partner)); err != nil {
			return err
		}
	}
	return l.offer(ctx, chat, userID, opts)
}

// offer возвращает освобожденного пользователя в прежний чат с ожидающими ответами или ищет ему новый
func (l *ChatLifecycle) offer(ctx context.Context, chat *models.Chat, userID uint, opts DeactivateOptions) error {
	if !opts.ReactivatePreviousChat && !opts.ActivateNewChats {
		return nil
	}

	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if opts.ReactivatePreviousChat && user.Available() {
		previous, err := l.chats.LatestWithUndeliveredRepliesFor(ctx, userID, chat.ID)
		switch {
		case err == nil:
			if err := l.reinvigorateFor(ctx, previous, userID); err != nil {
				return err
			}
			if user, err = l.users.GetByID(ctx, userID); err != nil {
				return err
			}
		case !apperrors.IsNotFound(err):
			return err
		}
	}

	if opts.ActivateNewChats && user.Available() {
		if _, err := l.Activate(ctx, user, DefaultActivateOptions()); err != nil {
			return err
		}
	}
	return nil
}

// Reactivate возвращает в чат обоих участников и отправляет накопившиеся ответы
func (l *ChatLifecycle) Reactivate(ctx context.Context, chat *models.Chat) error {
	if chat.IsActive() {
		return nil
	}

	missing := make([]uint, 0, 2)
	for _, userID := range chat.ParticipantIDs() {
		if !chat.IsActiveUser(userID) {
			missing = append(missing, userID)
		}
	}

	claimed, err := l.chats.ActivateParticipants(ctx, chat, missing)
	if err != nil {
		return fmt.Errorf("reactivate chat %d: %w", chat.ID, err)
	}
	if len(claimed) > 0 {
		server.RecordChatEvent("reactivated")
	}

	for _, userID := range chat.ActiveUserIDs() {
		id := userID
		if err := l.delivery.FlushChat(ctx, chat.ID, &id); err != nil {
			return err
		}
	}
	return nil
}

// Reinvigorate возвращает в чат участников, которым там ждут неотправленные ответы
func (l *ChatLifecycle) Reinvigorate(ctx context.Context, chat *models.Chat) error {
	for _, userID := range chat.ParticipantIDs() {
		if err := l.reinvigorateFor(ctx, chat, userID); err != nil {
			return err
		}
	}
	return nil
}

func (l *ChatLifecycle) reinvigorateFor(ctx context.Context, chat *models.Chat, userID uint) error {
	pending, err := l.delivery.Undelivered(ctx, chat.ID, &userID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	inThisChat := user.ActiveChatID != nil && *user.ActiveChatID == chat.ID
	if !inThisChat {
		if !user.Available() {
			return nil
		}
		claimed, err := l.chats.ActivateParticipants(ctx, chat, []uint{userID})
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		server.RecordChatEvent("reinvigorated")
	}

	return l.delivery.FlushChat(ctx, chat.ID, &userID)
}

// Expire завершает чат, если он все еще подходит под условие истечения
func (l *ChatLifecycle) Expire(ctx context.Context, chatID uint, mode models.ExpiryMode) error {
	chat, err := l.chats.GetByID(ctx, chatID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !l.expirable(chat, mode) {
		return nil
	}

	switch mode {
	case models.ExpiryProvisional:
		remaining, err := l.mostRecentInteractor(ctx, chat)
		if err != nil {
			return err
		}
		other, _ := chat.Partner(remaining)
		err = l.Deactivate(ctx, chat, DeactivateOptions{
			Users:                  []uint{other},
			ReactivatePreviousChat: true,
			ActivateNewChats:       true,
		})
		if err != nil {
			return err
		}
	case models.ExpiryPermanent:
		if err := l.Deactivate(ctx, chat, DeactivateOptions{}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: expiry mode %q", apperrors.ErrValidation, mode)
	}

	server.RecordChatEvent("expired_" + string(mode))
	return nil
}

func (l *ChatLifecycle) timeout(mode models.ExpiryMode) time.Duration {
	if mode == models.ExpiryProvisional {
		return l.cfg.ProvisionalTimeout
	}
	return l.cfg.PermanentTimeout
}

func (l *ChatLifecycle) expirable(chat *models.Chat, mode models.ExpiryMode) bool {
	if !chat.UpdatedAt.Before(l.now().Add(-l.timeout(mode))) {
		return false
	}
	if mode == models.ExpiryProvisional {
		return chat.IsActive()
	}
	return chat.ActiveCount() > 0
}

// mostRecentInteractor возвращает участника с последним взаимодействием, по умолчанию инициатора
func (l *ChatLifecycle) mostRecentInteractor(ctx context.Context, chat *models.Chat) (uint, error) {
	items, err := l.chats.RecentInteractions(ctx, chat.ID, 1)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 || !chat.Includes(items[0].UserID) {
		return chat.UserID, nil
	}
	return items[0].UserID, nil
}

// ExpireAll истекает пачку подходящих чатов; ошибки отдельных чатов не прерывают проход
func (l *ChatLifecycle) ExpireAll(ctx context.Context, mode models.ExpiryMode) (int, error) {
	chats, err := l.chats.Expirable(ctx, mode, l.now().Add(-l.timeout(mode)), l.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range chats {
		if err := l.Expire(ctx, chats[i].ID, mode); err != nil {
			l.logger.Error("Failed to expire chat",
				zap.Error(err),
				zap.Uint("chat_id", chats[i].ID),
				zap.String("mode", string(mode)))
			continue
		}
		expired++
	}
	return expired, nil
}

// ReinvigorateAll проходит по неактивным чатам с неотправленными ответами
func (l *ChatLifecycle) ReinvigorateAll(ctx context.Context) (int, error) {
	chats, err := l.chats.WithUndeliveredReplies(ctx, l.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	for i := range chats {
		if err := l.Reinvigorate(ctx, &chats[i]); err != nil {
			l.logger.Error("Failed to reinvigorate chat", zap.Error(err), zap.Uint("chat_id", chats[i].ID))
		}
	}
	return len(chats), nil
}

// Cleanup удаляет старые пустые чаты пачками
func (l *ChatLifecycle) Cleanup(ctx context.Context) (int64, error) {
	before := l.now().Add(-l.cfg.CleanupAge)
	batch := l.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 500
	}

	var total int64
	for {
		deleted, err := l.chats.DeleteStale(ctx, before, batch)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < int64(batch) {
			break
		}
	}

	if total > 0 {
		l.logger.Info("Stale chats deleted", zap.Int64("count", total))
	}
	return total, nil
}

// Logout переводит пользователя в офлайн и выводит его из чата
func (l *ChatLifecycle) Logout(ctx context.Context, userID uint, notify bool) error {
	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := l.users.SetState(ctx, userID, models.UserOffline); err != nil {
		return err
	}
	user.State = models.UserOffline
	server.RecordChatEvent("logout")

	if user.ActiveChatID != nil {
		chat, err := l.chats.GetByID(ctx, *user.ActiveChatID)
		switch {
		case err == nil:
			err = l.Deactivate(ctx, chat, DeactivateOptions{
				ReactivatePreviousChat: true,
				ActivateNewChats:       true,
				SkipOffersFor:          []uint{userID},
				Notify:                 notify,
			})
			if err != nil {
				return err
			}
		case !apperrors.IsNotFound(err):
			return err
		}
	}

	if notify {
		if _, err := l.delivery.Send(ctx, user, nil, textLoggedOut()); err != nil {
			return err
		}
	}
	return nil
}
