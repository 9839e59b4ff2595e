package service

import (
	"math"
	"sort"
	"time"

	"AnonChatService/internal/models"
)

// activityBuckets границы окон неактивности в часах, каждое следующее вдвое шире
var activityBuckets = []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024}

const (
	// ageBand разница в возрасте, которая не влияет на ранжирование
	ageBand = 10
	// agePenalty штраф за выход за предпочтительный возраст
	agePenalty = 50
	// agePenaltyGap с какой разницы в годах начинается штраф
	agePenaltyGap = 2

	earthRadiusKm = 6371.0
)

type rankedCandidate struct {
	user     models.User
	gender   int
	activity int
	age      int
	distance float64
}

// Rank упорядочивает кандидатов для пользователя. Из выборки убираются сам пользователь,
// бывшие собеседники (excluded) и недоступные пользователи; порядок входа сохраняется при равенстве ключей.
func Rank(user *models.User, candidates []models.User, excluded map[uint]bool, now time.Time) []models.User {
	userAge, userAgeKnown := user.Age(now)
	seen := make(map[uint]bool, len(candidates))
	ranked := make([]rankedCandidate, 0, len(candidates))

	for _, candidate := range candidates {
		if candidate.ID == user.ID || excluded[candidate.ID] || seen[candidate.ID] || !candidate.Available() {
			continue
		}
		if user.CountryCode != "" && candidate.CountryCode != user.CountryCode {
			continue
		}
		seen[candidate.ID] = true

		rc := rankedCandidate{
			user:     candidate,
			gender:   genderBucket(user, &candidate),
			activity: activityBucket(candidate.LastInteractedAt, now),
			distance: distanceKm(user, &candidate),
		}
		if userAgeKnown {
			rc.age = ageScore(user, userAge, &candidate, now)
		}
		ranked = append(ranked, rc)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.gender != b.gender {
			return a.gender < b.gender
		}
		if a.activity != b.activity {
			return a.activity < b.activity
		}
		if a.age != b.age {
			return a.age < b.age
		}
		return a.distance < b.distance
	})

	result := make([]models.User, len(ranked))
	for i := range ranked {
		result[i] = ranked[i].user
	}
	return result
}

// genderBucket 0 для предпочтительного пола, 1 для остальных
func genderBucket(user, candidate *models.User) int {
	if user.Gay() {
		if string(candidate.LookingFor) == string(user.Gender) && string(candidate.Gender) == string(user.LookingFor) {
			return 0
		}
		return 1
	}

	preferred := user.OppositeGender()
	if preferred == models.GenderUnknown {
		// Пол не известен, ориентируемся на то, кого ищут
		switch user.LookingFor {
		case models.LookingForMale:
			preferred = models.GenderMale
		case models.LookingForFemale:
			preferred = models.GenderFemale
		default:
			return 0
		}
	}

	if candidate.Gender == preferred {
		return 0
	}
	return 1
}

// activityBucket индекс окна неактивности; без активности кандидат попадает в последнее окно
func activityBucket(lastInteractedAt *time.Time, now time.Time) int {
	if lastInteractedAt == nil {
		return len(activityBuckets)
	}
	hours := now.Sub(*lastInteractedAt).Hours()
	for i, limit := range activityBuckets {
		if hours <= limit {
			return i
		}
	}
	return len(activityBuckets)
}

// ageScore штраф за разницу в возрасте. Для пар противоположного пола штраф асимметричен:
// женщины штрафуют мужчин младше себя, мужчины штрафуют женщин старше себя.
func ageScore(user *models.User, userAge int, candidate *models.User, now time.Time) int {
	candidateAge, ok := candidate.Age(now)
	if !ok {
		return math.MaxInt32
	}

	diff := candidateAge - userAge
	abs := diff
	if abs < 0 {
		abs = -abs
	}

	oppositeSex := user.Gender != models.GenderUnknown && candidate.Gender != models.GenderUnknown &&
		user.Gender != candidate.Gender
	if oppositeSex && !user.Gay() {
		switch {
		case user.Gender == models.GenderFemale && diff <= -agePenaltyGap:
			return abs + agePenalty
		case user.Gender == models.GenderMale && diff >= agePenaltyGap:
			return abs + agePenalty
		}
	}

	if abs > ageBand {
		return abs - ageBand
	}
	return 0
}

// distanceKm расстояние по формуле гаверсинусов; без координат кандидат уходит в конец
func distanceKm(user, candidate *models.User) float64 {
	if !user.HasLocation() || !candidate.HasLocation() {
		return math.Inf(1)
	}

	lat1 := *user.Latitude * math.Pi / 180
	lat2 := *candidate.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (*candidate.Longitude - *user.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
