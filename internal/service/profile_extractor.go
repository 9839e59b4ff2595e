package service

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"AnonChatService/internal/models"
)

var (
	lookingForPattern = regexp.MustCompile(`\b(?:looking\s+for|want|seeking|searching\s+for)\s+(?:an?\s+)?(girls?|wom[ae]n|females?|lad(?:y|ies)|guys?|m[ae]n|males?|boys?|any(?:one|body)|either|both)\b`)
	genderPattern     = regexp.MustCompile(`\b(?:i\s*am|i'?m|im)\s+(?:an?\s+)?(?:\d{2}\s+)?(?:years?\s+old\s+)?(girl|wom[ae]n|female|lady|guy|m[ae]n|male|boy)\b`)
	genderTokenRegexp = regexp.MustCompile(`(?:^|[\s,.;])([mf])(?:$|[\s,.;])`)
	agePattern        = regexp.MustCompile(`\b(\d{2})\s*(?:yrs?|years?|y/?o)?\b`)
	namePattern       = regexp.MustCompile(`\b(?:my\s+name\s+is|call\s+me|this\s+is|i\s*am|i'?m|im)\s+([a-z]{2,20})\b`)
	cityPattern       = regexp.MustCompile(`\b(?:from|in|live\s+in|staying\s+in)\s+([a-z][a-z\s]{1,40}?)(?:[,.;!]|$|\s+(?:and|looking|want|i\s*am|i'?m))`)
)

// notNames слова, которые после "i am" не являются именем
var notNames = map[string]bool{
	"girl": true, "woman": true, "women": true, "female": true, "lady": true,
	"guy": true, "man": true, "men": true, "male": true, "boy": true,
	"a": true, "an": true, "from": true, "in": true, "looking": true, "here": true,
	"single": true, "bored": true, "fine": true, "good": true, "new": true, "not": true,
}

const (
	minAge = 13
	maxAge = 99
)

// ProfileUpdate найденные в тексте признаки профиля
type ProfileUpdate struct {
	Gender     models.Gender
	LookingFor models.LookingFor
	Age        int
	Name       string
	City       string
}

// ProfileExtractor извлекает из текста сообщения пол, предпочтения, возраст, имя и город
type ProfileExtractor struct{}

// NewProfileExtractor создает новый экземпляр ProfileExtractor
func NewProfileExtractor() *ProfileExtractor {
	return &ProfileExtractor{}
}

// Extract разбирает текст; нераспознанные признаки остаются пустыми
func (e *ProfileExtractor) Extract(body string) ProfileUpdate {
	text := strings.ToLower(strings.TrimSpace(body))
	var update ProfileUpdate

	if m := lookingForPattern.FindStringSubmatch(text); m != nil {
		update.LookingFor = lookingForFromWord(m[1])
		// Слово после "looking for" не должно определять пол отправителя
		text = strings.Replace(text, m[0], " ", 1)
	}

	if m := genderPattern.FindStringSubmatch(text); m != nil {
		update.Gender = genderFromWord(m[1])
	} else if m := genderTokenRegexp.FindStringSubmatch(text); m != nil {
		update.Gender = models.Gender(m[1])
	}

	for _, m := range agePattern.FindAllStringSubmatch(text, -1) {
		if age, err := strconv.Atoi(m[1]); err == nil && age >= minAge && age <= maxAge {
			update.Age = age
			break
		}
	}

	for _, m := range namePattern.FindAllStringSubmatch(text, -1) {
		if !notNames[m[1]] {
			update.Name = titleCase(m[1])
			break
		}
	}

	if m := cityPattern.FindStringSubmatch(text); m != nil {
		update.City = titleCase(m[1])
	}

	return update
}

// Fields возвращает поля для сохранения. Заполненные поля не перезаписываются,
// кроме случая, когда пол и предпочтения указаны вместе.
func (u ProfileUpdate) Fields(user *models.User, now time.Time) map[string]interface{} {
	fields := make(map[string]interface{})
	explicit := u.Gender != models.GenderUnknown && u.LookingFor != models.LookingForUnknown

	if u.Gender != models.GenderUnknown && (explicit || user.Gender == models.GenderUnknown) {
		fields["gender"] = u.Gender
	}
	if u.LookingFor != models.LookingForUnknown && (explicit || user.LookingFor == models.LookingForUnknown) {
		fields["looking_for"] = u.LookingFor
	}
	if u.Age > 0 && user.DateOfBirth == nil {
		dob := now.AddDate(-u.Age, 0, 0)
		fields["date_of_birth"] = dob
	}
	if u.Name != "" && user.Name == "" {
		fields["name"] = u.Name
	}
	if u.City != "" && user.City == "" {
		fields["city"] = u.City
		fields["address"] = u.City
	}
	return fields
}

func genderFromWord(word string) models.Gender {
	switch word {
	case "girl", "woman", "women", "female", "lady":
		return models.GenderFemale
	case "guy", "man", "men", "male", "boy":
		return models.GenderMale
	default:
		return models.GenderUnknown
	}
}

func lookingForFromWord(word string) models.LookingFor {
	switch strings.TrimSuffix(word, "s") {
	case "girl", "woman", "women", "female", "lady", "ladie":
		return models.LookingForFemale
	case "guy", "man", "men", "male", "boy":
		return models.LookingForMale
	case "anyone", "anybody", "either", "both":
		return models.LookingForEither
	default:
		return models.LookingForUnknown
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
