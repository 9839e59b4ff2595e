package service

import (
	"context"
	"errors"
	"testing"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"
)

func intPtr(v int) *int { return &v }

func TestHandleInbound(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesUserAndEnqueues", func(t *testing.T) {
		env := newTestEnv(t)

		message, err := env.router.HandleInbound(ctx, &models.InboundMessage{
			From:     "082 100 9999",
			Body:     "hi",
			Guid:     "guid-1",
			Operator: "vodacom",
		})
		if err != nil {
			t.Fatalf("HandleInbound failed: %v", err)
		}

		user := env.user(t, message.UserID)
		if user.MobileNumber != "+27821009999" {
			t.Errorf("Expected normalized number, got %s", user.MobileNumber)
		}
		if user.CountryCode != "ZA" || user.OperatorName != "vodacom" {
			t.Errorf("Expected ZA/vodacom, got %s/%s", user.CountryCode, user.OperatorName)
		}
		jobs := env.jobs.ofType(JobMessageProcess)
		if len(jobs) != 1 || jobs[0].Args.(MessageProcessArgs).MessageID != message.ID {
			t.Errorf("Expected processing job for message %d, got %+v", message.ID, jobs)
		}
	})

	t.Run("DuplicateGuid", func(t *testing.T) {
		env := newTestEnv(t)
		in := &models.InboundMessage{From: newMobileNumber(), Body: "hi", Guid: "guid-dup"}

		message, err := env.router.HandleInbound(ctx, in)
		if err != nil {
			t.Fatalf("HandleInbound failed: %v", err)
		}
		if err := env.router.ProcessMessage(ctx, message.ID); err != nil {
			t.Fatalf("ProcessMessage failed: %v", err)
		}
		if _, err := env.router.HandleInbound(ctx, in); !errors.Is(err, apperrors.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate from cache, got %v", err)
		}

		// Без кэша дубликат ловит уникальный индекс
		env.router.cache = nil
		if _, err := env.router.HandleInbound(ctx, in); !errors.Is(err, apperrors.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate from database, got %v", err)
		}
		if got := len(env.jobs.ofType(JobMessageProcess)); got != 1 {
			t.Errorf("Expected a single processing job, got %d", got)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		env := newTestEnv(t)

		invalid := []*models.InboundMessage{
			{From: "", Body: "hi"},
			{From: "not a number", Body: "hi"},
			{From: newMobileNumber(), Body: "hi", CsmsReferenceNumber: intPtr(1)},
			{From: newMobileNumber(), Body: "hi", CsmsReferenceNumber: intPtr(1), CsmsTotalParts: intPtr(2), CsmsSequenceNumber: intPtr(3)},
		}
		for i, in := range invalid {
			if _, err := env.router.HandleInbound(ctx, in); !apperrors.IsValidation(err) {
				t.Errorf("case %d: expected validation error, got %v", i, err)
			}
		}

		var count int64
		env.db.Model(&models.Message{}).Count(&count)
		if count != 0 {
			t.Errorf("Expected no messages stored, got %d", count)
		}
	})

	t.Run("EnqueueFailureRecoversOnRedelivery", func(t *testing.T) {
		env := newTestEnv(t)
		env.jobs.fail = errors.New("redis down")
		in := &models.InboundMessage{From: newMobileNumber(), Body: "hello", Guid: "guid-retry"}

		if message, err := env.router.HandleInbound(ctx, in); err == nil || message != nil {
			t.Fatalf("Expected enqueue failure to surface, got %+v, %v", message, err)
		}
		stored, err := env.messages.GetByGuid(ctx, in.Guid)
		if err != nil {
			t.Fatalf("Expected message to be stored: %v", err)
		}
		if stored.ProcessedAt != nil {
			t.Error("Message must not be processed inside the webhook request")
		}
		if env.cache.claims[claimKindMessage+":"+in.Guid] {
			t.Error("Expected guid claim to be released")
		}

		// Повтор вебхука ставит то же сообщение в очередь
		env.jobs.fail = nil
		message, err := env.router.HandleInbound(ctx, in)
		if err != nil {
			t.Fatalf("Redelivered webhook failed: %v", err)
		}
		if message.ID != stored.ID {
			t.Errorf("Expected the stored message %d, got %d", stored.ID, message.ID)
		}
		jobs := env.jobs.ofType(JobMessageProcess)
		if len(jobs) != 1 || jobs[0].Args.(MessageProcessArgs).MessageID != stored.ID {
			t.Fatalf("Expected one processing job for message %d, got %+v", stored.ID, jobs)
		}

		if err := env.router.ProcessMessage(ctx, stored.ID); err != nil {
			t.Fatalf("ProcessMessage failed: %v", err)
		}
		env.router.cache = nil
		if _, err := env.router.HandleInbound(ctx, in); !errors.Is(err, apperrors.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate once processed, got %v", err)
		}
	})
}

func TestProcessMultipart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, nil)

	part := func(seq int, body string) *models.Message {
		message, err := env.router.HandleInbound(ctx, &models.InboundMessage{
			From:                alice.MobileNumber,
			Body:                body,
			CsmsReferenceNumber: intPtr(42),
			CsmsTotalParts:      intPtr(2),
			CsmsSequenceNumber:  intPtr(seq),
		})
		if err != nil {
			t.Fatalf("HandleInbound failed: %v", err)
		}
		return message
	}

	second := part(2, "from Durban")
	if err := env.router.ProcessMessage(ctx, second.ID); !apperrors.IsNotReady(err) {
		t.Fatalf("Expected ErrNotReady for incomplete message, got %v", err)
	}

	first := part(1, "im a girl looking for a guy ")
	if err := env.router.ProcessMessage(ctx, second.ID); err != nil {
		t.Fatalf("ProcessMessage(second) failed: %v", err)
	}
	if err := env.router.ProcessMessage(ctx, first.ID); err != nil {
		t.Fatalf("ProcessMessage(first) failed: %v", err)
	}

	user := env.user(t, alice.ID)
	if user.Gender != models.GenderFemale || user.LookingFor != models.LookingForMale {
		t.Errorf("Expected f/m from the joined body, got %s/%s", user.Gender, user.LookingFor)
	}
	if user.City != "Durban" {
		t.Errorf("Expected city from the second part, got %q", user.City)
	}
	if got := len(env.gateway.to(alice.MobileNumber)); got != 1 {
		t.Errorf("Expected the joined message to be processed once, got %d replies", got)
	}
}

func TestProcessMultipartReusedReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, nil)

	send := func(seq int, body string) *models.Message {
		message, err := env.router.HandleInbound(ctx, &models.InboundMessage{
			From:                alice.MobileNumber,
			Body:                body,
			CsmsReferenceNumber: intPtr(7),
			CsmsTotalParts:      intPtr(2),
			CsmsSequenceNumber:  intPtr(seq),
		})
		if err != nil {
			t.Fatalf("HandleInbound failed: %v", err)
		}
		return message
	}
	process := func(messages ...*models.Message) {
		for _, message := range messages {
			if err := env.router.ProcessMessage(ctx, message.ID); err != nil {
				t.Fatalf("ProcessMessage(%d) failed: %v", message.ID, err)
			}
		}
	}

	first := []*models.Message{send(1, "im a girl "), send(2, "looking for a guy")}
	process(first...)
	if user := env.user(t, alice.ID); user.Gender != models.GenderFemale {
		t.Fatalf("Expected gender from the first message, got %q", user.Gender)
	}

	// Оператор переиспользует номер ссылки; второе сообщение собирается отдельно
	second := []*models.Message{send(1, "from "), send(2, "Durban")}
	process(second[1], second[0])

	if user := env.user(t, alice.ID); user.City != "Durban" {
		t.Errorf("Expected city from the second message, got %q", user.City)
	}
	for _, message := range append(first, second...) {
		stored, _ := env.messages.GetByID(ctx, message.ID)
		if stored.ProcessedAt == nil {
			t.Errorf("Expected part %d to be processed", message.ID)
		}
	}
}

func TestProcessMessageOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, nil)

	message := env.text(t, alice, "hello")
	if err := env.router.ProcessMessage(ctx, message.ID); err != nil {
		t.Fatalf("Second ProcessMessage failed: %v", err)
	}
	if got := len(env.gateway.to(alice.MobileNumber)); got != 1 {
		t.Errorf("Expected one reply, got %d", got)
	}
}

func TestProfileAndGeocoding(t *testing.T) {
	env := newTestEnv(t)
	env.geocoder.result = &GeoResult{City: "Cape Town", Latitude: -33.92, Longitude: 18.42}
	alice := env.createUser(t, nil)

	env.text(t, alice, "hi im a guy from cape town")

	user := env.user(t, alice.ID)
	if user.Gender != models.GenderMale {
		t.Errorf("Expected gender m, got %q", user.Gender)
	}
	if !user.HasLocation() || *user.Latitude != -33.92 {
		t.Errorf("Expected geocoded location, got %v/%v", user.Latitude, user.Longitude)
	}

	// Ошибка геокодера не мешает обработке
	env.geocoder.result, env.geocoder.err = nil, errors.New("timeout")
	bob := env.createUser(t, nil)
	env.text(t, bob, "from durban")
	if user := env.user(t, bob.ID); user.City != "Durban" || user.HasLocation() {
		t.Errorf("Expected city without location, got %q %v", user.City, user.HasLocation())
	}
}

func TestChargeGate(t *testing.T) {
	ctx := context.Background()
	enableBilling := func(env *testEnv) {
		env.billingCfg.Enabled = true
		env.billingCfg.Operators = []string{"mtn"}
	}

	t.Run("WaitsForResult", func(t *testing.T) {
		env := newTestEnv(t, enableBilling)
		alice := env.createUser(t, func(u *models.User) { u.OperatorName = "mtn" })

		message, err := env.router.HandleInbound(ctx, &models.InboundMessage{From: alice.MobileNumber, Body: "hello"})
		if err != nil {
			t.Fatalf("HandleInbound failed: %v", err)
		}
		if err := env.router.ProcessMessage(ctx, message.ID); !apperrors.IsNotReady(err) {
			t.Fatalf("Expected ErrNotReady while charge is pending, got %v", err)
		}

		request, err := env.chargeSvc.ForRequester(ctx, models.RequesterFor(models.KindMessage, message.ID))
		if err != nil {
			t.Fatalf("ForRequester failed: %v", err)
		}
		if err := env.chargeSvc.UpdateResult(ctx, request.ID, "successful", ""); err != nil {
			t.Fatalf("UpdateResult failed: %v", err)
		}

		if err := env.router.ProcessMessage(ctx, message.ID); err != nil {
			t.Fatalf("ProcessMessage failed: %v", err)
		}
		if len(env.billing.requests) != 1 {
			t.Errorf("Expected one billing call, got %d", len(env.billing.requests))
		}
		if !containsText(env.gateway.to(alice.MobileNumber), "could not find a friend") {
			t.Error("Expected the message to be routed after a successful charge")
		}
	})

	t.Run("FailedChargeStopsProcessing", func(t *testing.T) {
		env := newTestEnv(t, enableBilling)
		alice := env.createUser(t, func(u *models.User) { u.OperatorName = "mtn" })

		message, _ := env.router.HandleInbound(ctx, &models.InboundMessage{From: alice.MobileNumber, Body: "hello"})
		_ = env.router.ProcessMessage(ctx, message.ID)
		request, _ := env.chargeSvc.ForRequester(ctx, models.RequesterFor(models.KindMessage, message.ID))
		if err := env.chargeSvc.UpdateResult(ctx, request.ID, "failed", "no funds"); err != nil {
			t.Fatalf("UpdateResult failed: %v", err)
		}

		if err := env.router.ProcessMessage(ctx, message.ID); err != nil {
			t.Fatalf("ProcessMessage failed: %v", err)
		}
		sent := env.gateway.to(alice.MobileNumber)
		if !containsText(sent, "could not charge") || containsText(sent, "could not find a friend") {
			t.Errorf("Expected only the charge failure notice, got %+v", sent)
		}
	})

	t.Run("OtherOperatorsAreFree", func(t *testing.T) {
		env := newTestEnv(t, enableBilling)
		alice := env.createUser(t, func(u *models.User) { u.OperatorName = "cellc" })

		env.text(t, alice, "hello")
		if len(env.billing.requests) != 0 {
			t.Errorf("Expected no billing for other operators, got %d", len(env.billing.requests))
		}
	})
}
