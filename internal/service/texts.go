package service

import (
	"fmt"
	"strings"
	"time"

	"AnonChatService/internal/models"
)

// Тексты исходящих сообщений

func textCouldNotFindFriend() string {
	return "Sorry, we could not find a friend for you right now. We'll text you as soon as someone is available."
}

func textIntroduction(initiator *models.User, now time.Time) string {
	return fmt.Sprintf("%s wants to chat with you! Reply to start chatting. Text 'new' for a different friend or 'stop' to go offline.",
		describeUser(initiator, now))
}

func textNewChatStarted(friend *models.User, now time.Time) string {
	return fmt.Sprintf("You are now chatting with %s. Say hi! Text 'new' for a different friend or 'stop' to go offline.",
		describeUser(friend, now))
}

func textChatEnded(partner *models.User) string {
	return fmt.Sprintf("Your chat with %s has ended. Text anything to find a new friend.", partner.DisplayName())
}

func textLoggedOut() string {
	return "You are now offline and won't receive any more messages. Text anything to come back online."
}

func textChargeFailed() string {
	return "We could not charge your account for this message. Please top up and try again."
}

func textForwarded(sender *models.User, body string) string {
	return fmt.Sprintf("%s: %s", sender.ScreenName, body)
}

// describeUser краткое описание пользователя для знакомства: имя, возраст, город
func describeUser(user *models.User, now time.Time) string {
	parts := []string{user.DisplayName()}
	if age, ok := user.Age(now); ok {
		parts = append(parts, fmt.Sprintf("%d", age))
	}
	if user.City != "" {
		parts = append(parts, user.City)
	}
	return strings.Join(parts, ", ")
}

// Голосовые подсказки

const (
	voiceAskGender      = "Welcome! Press 1 if you are male or 2 if you are female."
	voiceAskLookingFor  = "Press 1 to talk to a guy, 2 to talk to a girl, or 3 for either."
	voiceAskAge         = "Please enter your age followed by the hash key."
	voiceNoFriend       = "Sorry, nobody is available to talk right now. We will text you when someone is."
	voiceCallEnded      = "Thanks for calling. Goodbye!"
	voiceInvalidInput   = "Sorry, we didn't get that."
	voiceConnectingTmpl = "Connecting you with %s. Please hold."
)
