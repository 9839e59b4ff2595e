package service

import (
	"testing"
	"time"

	"AnonChatService/internal/models"
)

func TestExtract(t *testing.T) {
	extractor := NewProfileExtractor()

	tests := []struct {
		body string
		want ProfileUpdate
	}{
		{"hi", ProfileUpdate{}},
		{"Hi im a girl looking for a guy", ProfileUpdate{Gender: models.GenderFemale, LookingFor: models.LookingForMale}},
		{"I'm a 23 year old man", ProfileUpdate{Gender: models.GenderMale, Age: 23}},
		{"want anyone from Cape Town", ProfileUpdate{LookingFor: models.LookingForEither, City: "Cape Town"}},
		{"my name is thandi, 19 f from soweto", ProfileUpdate{Gender: models.GenderFemale, Age: 19, Name: "Thandi", City: "Soweto"}},
		{"m 25", ProfileUpdate{Gender: models.GenderMale, Age: 25}},
		{"looking for ladies", ProfileUpdate{LookingFor: models.LookingForFemale}},
		{"im 12", ProfileUpdate{}},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			if got := extractor.Extract(tt.body); got != tt.want {
				t.Errorf("Extract(%q) = %+v, want %+v", tt.body, got, tt.want)
			}
		})
	}
}

func TestProfileUpdateFields(t *testing.T) {
	now := time.Now().UTC()

	t.Run("DoesNotOverwrite", func(t *testing.T) {
		dob := now.AddDate(-30, 0, 0)
		user := &models.User{Gender: models.GenderMale, LookingFor: models.LookingForFemale, Name: "Sipho", City: "Durban", DateOfBirth: &dob}
		fields := ProfileUpdate{Gender: models.GenderFemale, Age: 20, Name: "Lwazi", City: "Soweto"}.Fields(user, now)
		if len(fields) != 0 {
			t.Errorf("Expected no updates, got %v", fields)
		}
	})

	t.Run("ExplicitPairOverwrites", func(t *testing.T) {
		user := &models.User{Gender: models.GenderMale, LookingFor: models.LookingForFemale}
		fields := ProfileUpdate{Gender: models.GenderFemale, LookingFor: models.LookingForMale}.Fields(user, now)
		if fields["gender"] != models.GenderFemale || fields["looking_for"] != models.LookingForMale {
			t.Errorf("Expected gender and looking_for to change, got %v", fields)
		}
	})

	t.Run("FillsEmptyProfile", func(t *testing.T) {
		fields := ProfileUpdate{Age: 21, City: "Soweto"}.Fields(&models.User{}, now)
		dob, ok := fields["date_of_birth"].(time.Time)
		if !ok || dob.Year() != now.Year()-21 {
			t.Errorf("Expected date of birth 21 years ago, got %v", fields["date_of_birth"])
		}
		if fields["city"] != "Soweto" || fields["address"] != "Soweto" {
			t.Errorf("Expected city and address, got %v", fields)
		}
	})
}
