package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"AnonChatService/config"
	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/server"

	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"
)

// Границы возраста, который можно ввести с клавиатуры
const (
	minCallerAge = 13
	maxCallerAge = 99
)

// finishedCallStatuses статусы Twilio, после которых звонок уже завершен
var finishedCallStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

// VoiceRouter ведет звонок по голосовому меню и соединяет звонящего с собеседником
type VoiceRouter struct {
	calls     PhoneCallRepositoryInterface
	chats     ChatRepositoryInterface
	users     UserRepositoryInterface
	directory *UserDirectory
	lifecycle *ChatLifecycle
	cfg       config.VoiceConfig
	actionURL string
	logger    *zap.Logger
	now       func() time.Time
}

// NewVoiceRouter создает новый экземпляр VoiceRouter; publicURL адрес, по которому Twilio вызывает вебхуки
func NewVoiceRouter(
	calls PhoneCallRepositoryInterface,
	chats ChatRepositoryInterface,
	users UserRepositoryInterface,
	directory *UserDirectory,
	lifecycle *ChatLifecycle,
	cfg config.VoiceConfig,
	publicURL string,
	logger *zap.Logger,
) *VoiceRouter {
	return &VoiceRouter{
		calls:     calls,
		chats:     chats,
		users:     users,
		directory: directory,
		lifecycle: lifecycle,
		cfg:       cfg,
		actionURL: strings.TrimRight(publicURL, "/") + cfg.ActionPath,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Step обрабатывает один шаг вебхука звонка и возвращает TwiML ответ
func (v *VoiceRouter) Step(ctx context.Context, step *models.InboundCallStep) (string, error) {
	if step.CallSid == "" {
		return "", fmt.Errorf("%w: CallSid is required", apperrors.ErrValidation)
	}

	user, _, err := v.directory.FindOrCreate(ctx, step.From)
	if err != nil {
		return "", err
	}

	call, _, err := v.calls.FindOrCreate(ctx, &models.PhoneCall{
		Sid:    step.CallSid,
		UserID: user.ID,
		From:   user.MobileNumber,
		To:     step.To,
		State:  models.CallAnswered,
	})
	if err != nil {
		return "", err
	}

	logger := server.WithRequestID(ctx, v.logger).With(
		zap.String("call_sid", call.Sid),
		zap.String("state", string(call.State)))

	if call.State != models.CallCompleted && finishedCallStatuses[step.CallStatus] && step.DialStatus == "" {
		logger.Debug("Caller hung up")
		return v.hangup(ctx, call, "")
	}

	switch call.State {
	case models.CallAnswered:
		if err := v.directory.Touch(ctx, user); err != nil {
			return "", err
		}
		if err := v.directory.MarkOnline(ctx, user); err != nil {
			return "", err
		}
		return v.prompt(ctx, call, user)

	case models.CallAskingForGender:
		gender, ok := map[string]models.Gender{"1": models.GenderMale, "2": models.GenderFemale}[step.Digits]
		if !ok {
			return v.gather(voiceInvalidInput+" "+voiceAskGender, 1)
		}
		return v.answer(ctx, call, user, step.Digits, map[string]interface{}{"gender": gender})

	case models.CallAskingForLookingFor:
		lookingFor, ok := map[string]models.LookingFor{
			"1": models.LookingForMale,
			"2": models.LookingForFemale,
			"3": models.LookingForEither,
		}[step.Digits]
		if !ok {
			return v.gather(voiceInvalidInput+" "+voiceAskLookingFor, 1)
		}
		return v.answer(ctx, call, user, step.Digits, map[string]interface{}{"looking_for": lookingFor})

	case models.CallAskingForAge:
		age, err := strconv.Atoi(strings.TrimSpace(step.Digits))
		if err != nil || age < minCallerAge || age > maxCallerAge {
			return v.gather(voiceInvalidInput+" "+voiceAskAge, 2)
		}
		dob := v.now().AddDate(-age, 0, 0)
		return v.answer(ctx, call, user, step.Digits, map[string]interface{}{"date_of_birth": dob})

	case models.CallConnectingUserWithFriend:
		return v.dialed(ctx, call, user, step.DialStatus)

	default:
		return v.render(&twiml.VoiceHangup{})
	}
}

// answer сохраняет ответ звонящего и переходит к следующему вопросу
func (v *VoiceRouter) answer(ctx context.Context, call *models.PhoneCall, user *models.User, digits string, fields map[string]interface{}) (string, error) {
	if err := v.calls.UpdateFields(ctx, call.ID, map[string]interface{}{"digits": digits}); err != nil {
		return "", err
	}
	updated, err := v.directory.UpdateProfile(ctx, user, fields)
	if err != nil {
		return "", err
	}
	return v.prompt(ctx, call, updated)
}

// prompt задает первый вопрос о незаполненном профиле или соединяет с собеседником
func (v *VoiceRouter) prompt(ctx context.Context, call *models.PhoneCall, user *models.User) (string, error) {
	if v.cfg.PromptsEnabled {
		switch {
		case user.Gender == models.GenderUnknown:
			return v.ask(ctx, call, models.CallAskingForGender, voiceAskGender, 1)
		case user.LookingFor == models.LookingForUnknown:
			return v.ask(ctx, call, models.CallAskingForLookingFor, voiceAskLookingFor, 1)
		case user.DateOfBirth == nil:
			return v.ask(ctx, call, models.CallAskingForAge, voiceAskAge, 2)
		}
	}
	return v.connect(ctx, call, user)
}

func (v *VoiceRouter) ask(ctx context.Context, call *models.PhoneCall, state models.CallState, question string, digits int) (string, error) {
	if err := v.setState(ctx, call, state); err != nil {
		return "", err
	}
	return v.gather(question, digits)
}

// connect соединяет звонящего с текущим собеседником или подбирает нового
func (v *VoiceRouter) connect(ctx context.Context, call *models.PhoneCall, user *models.User) (string, error) {
	chat, partner, err := v.currentPartner(ctx, user)
	if err != nil {
		return "", err
	}

	if chat == nil {
		opts := ActivateOptions{
			Starter:   models.StarterFor(models.KindPhoneCall, call.ID),
			Introduce: true,
		}
		if chat, err = v.lifecycle.Activate(ctx, user, opts); err != nil {
			return "", err
		}
		if chat == nil {
			return v.hangup(ctx, call, voiceNoFriend)
		}
		partnerID, _ := chat.Partner(user.ID)
		if partner, err = v.users.GetByID(ctx, partnerID); err != nil {
			return "", err
		}
	} else if !chat.IsActive() && (partner.Available() || chat.IsActiveUser(partner.ID)) {
		// Звонок возвращает собеседника в односторонний чат так же, как SMS
		if err := v.lifecycle.Reactivate(ctx, chat); err != nil {
			return "", err
		}
	}

	err = v.calls.UpdateFields(ctx, call.ID, map[string]interface{}{
		"state":            models.CallConnectingUserWithFriend,
		"chat_id":          chat.ID,
		"connect_attempts": call.ConnectAttempts + 1,
	})
	if err != nil {
		return "", err
	}
	call.State = models.CallConnectingUserWithFriend
	call.ChatID = &chat.ID
	call.ConnectAttempts++

	if err := v.chats.Touch(ctx, chat.ID, v.now()); err != nil {
		return "", err
	}

	return v.render(
		&twiml.VoiceSay{Message: fmt.Sprintf(voiceConnectingTmpl, partner.DisplayName())},
		&twiml.VoiceDial{
			Number:  partner.MobileNumber,
			Action:  v.actionURL,
			Timeout: strconv.Itoa(v.cfg.DialTimeoutSeconds),
		},
	)
}

func (v *VoiceRouter) currentPartner(ctx context.Context, user *models.User) (*models.Chat, *models.User, error) {
	fresh, err := v.users.GetByID(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	if !fresh.Chatting() {
		return nil, nil, nil
	}

	chat, err := v.chats.GetByID(ctx, *fresh.ActiveChatID)
	if apperrors.IsNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	partnerID, _ := chat.Partner(user.ID)
	partner, err := v.users.GetByID(ctx, partnerID)
	if err != nil {
		return nil, nil, err
	}
	return chat, partner, nil
}

// dialed обрабатывает результат соединения с собеседником
func (v *VoiceRouter) dialed(ctx context.Context, call *models.PhoneCall, user *models.User, dialStatus string) (string, error) {
	if err := v.calls.UpdateFields(ctx, call.ID, map[string]interface{}{"dial_status": dialStatus}); err != nil {
		return "", err
	}

	if dialStatus == "completed" || dialStatus == "answered" {
		return v.hangup(ctx, call, voiceCallEnded)
	}

	if call.ConnectAttempts >= v.cfg.MaxConnectAttempts {
		return v.hangup(ctx, call, voiceNoFriend)
	}

	// Собеседник не ответил: разрываем чат без предложений и пробуем следующего
	if call.ChatID != nil {
		chat, err := v.chats.GetByID(ctx, *call.ChatID)
		switch {
		case err == nil:
			if err := v.lifecycle.Deactivate(ctx, chat, DeactivateOptions{SkipOffersFor: []uint{user.ID}}); err != nil {
				return "", err
			}
		case !apperrors.IsNotFound(err):
			return "", err
		}
	}

	v.logger.Info("Dial failed, connecting to another friend",
		zap.String("call_sid", call.Sid),
		zap.String("dial_status", dialStatus),
		zap.Int("attempt", call.ConnectAttempts))

	return v.connect(ctx, call, user)
}

func (v *VoiceRouter) hangup(ctx context.Context, call *models.PhoneCall, message string) (string, error) {
	if err := v.setState(ctx, call, models.CallCompleted); err != nil {
		return "", err
	}
	if message == "" {
		return v.render(&twiml.VoiceHangup{})
	}
	return v.render(&twiml.VoiceSay{Message: message}, &twiml.VoiceHangup{})
}

func (v *VoiceRouter) setState(ctx context.Context, call *models.PhoneCall, state models.CallState) error {
	if call.State == state {
		return nil
	}
	if err := v.calls.UpdateFields(ctx, call.ID, map[string]interface{}{"state": state}); err != nil {
		return err
	}
	call.State = state
	return nil
}

func (v *VoiceRouter) gather(question string, digits int) (string, error) {
	return v.render(&twiml.VoiceGather{
		Action:        v.actionURL,
		NumDigits:     strconv.Itoa(digits),
		InnerElements: []twiml.Element{&twiml.VoiceSay{Message: question}},
	})
}

func (v *VoiceRouter) render(elements ...twiml.Element) (string, error) {
	return twiml.Voice(elements)
}

// RecordCallData сохраняет детализацию звонка; звонок, который еще не виден, дает apperrors.ErrNotReady
func (v *VoiceRouter) RecordCallData(ctx context.Context, cdr *models.CallDataRecord) error {
	if cdr.Sid == "" {
		return fmt.Errorf("%w: sid is required", apperrors.ErrValidation)
	}
	return v.calls.ApplyCallDataRecord(ctx, cdr)
}
