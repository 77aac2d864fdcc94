package users

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("failed to migrate account schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
		HashCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestRegisterThenAuthenticate(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	account, err := service.Register(ctx, RegisterRequest{Email: " Asha@Example.com ", Password: "correct horse", Name: "Asha"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if account.Email != "asha@example.com" || account.Username != "asha" || account.Role != string(records.RoleStudent) {
		t.Fatalf("unexpected account %+v", account)
	}
	if account.PasswordHash == "correct horse" {
		t.Fatalf("password stored in clear text")
	}

	authenticated, err := service.Authenticate(ctx, "asha@example.com", "correct horse")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if authenticated.ID != account.ID {
		t.Fatalf("expected same account, got %q", authenticated.ID)
	}

	_, err = service.Authenticate(ctx, "asha@example.com", "wrong password")
	if !errors.Is(err, records.ErrAuthRequired) || !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	_, err = service.Authenticate(ctx, "nobody@example.com", "correct horse")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	if _, err := service.Register(ctx, RegisterRequest{Email: "asha@example.com", Password: "correct horse"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	testCases := []struct {
		name    string
		request RegisterRequest
		field   string
	}{
		{name: "duplicate", request: RegisterRequest{Email: "ASHA@example.com", Password: "correct horse"}, field: "email"},
		{name: "bad email", request: RegisterRequest{Email: "not-an-email", Password: "correct horse"}, field: "email"},
		{name: "short password", request: RegisterRequest{Email: "ravi@example.com", Password: "short"}, field: "password"},
		{name: "admin self registration", request: RegisterRequest{Email: "ravi@example.com", Password: "correct horse", Role: records.RoleAdmin}, field: "role"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.Register(ctx, testCase.request)
			var typed *records.Error
			if !errors.As(err, &typed) || typed.Kind != records.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := typed.FieldMap()[testCase.field]; !ok {
				t.Fatalf("expected feedback on %s, got %v", testCase.field, typed.FieldMap())
			}
		})
	}
}

func TestGetAndSetRole(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	account, err := service.Register(ctx, RegisterRequest{Email: "ravi@example.com", Password: "correct horse", Role: records.RoleInstructor})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	loaded, err := service.Get(ctx, account.ID)
	if err != nil || loaded.Principal().Role != records.RoleInstructor {
		t.Fatalf("unexpected account %+v %v", loaded, err)
	}

	promoted, err := service.SetRole(ctx, "ravi@example.com", records.RoleAdmin)
	if err != nil {
		t.Fatalf("set role failed: %v", err)
	}
	if promoted.Role != string(records.RoleAdmin) {
		t.Fatalf("expected admin, got %q", promoted.Role)
	}
	cached, _ := service.Get(ctx, account.ID)
	if cached.Role != string(records.RoleAdmin) {
		t.Fatalf("expected cache to observe promotion, got %q", cached.Role)
	}

	if _, err := service.Get(ctx, "missing"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAsRecordHidesCredentials(t *testing.T) {
	record := Account{ID: "u1", Email: "a@example.com", Name: "Asha", Role: "admin", PasswordHash: "hash"}.AsRecord()
	if _, ok := record.Fields["email"]; ok {
		t.Fatalf("email must not be exposed")
	}
	if _, ok := record.Fields["password_hash"]; ok {
		t.Fatalf("hash must not be exposed")
	}
	if record.Fields.String("role") != "admin" || record.Collection != "users" {
		t.Fatalf("unexpected projection %+v", record)
	}
}

func TestUpdateProfile(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	account, err := service.Register(ctx, RegisterRequest{Email: "asha@example.com", Password: "correct horse", Name: "Asha"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := service.Get(ctx, account.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	name := "  Asha K  "
	avatar := "https://cdn.example.com/asha.png"
	updated, err := service.UpdateProfile(ctx, account.ID, ProfileUpdate{Name: &name, Avatar: &avatar})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Name != "Asha K" || updated.Avatar != avatar || updated.Username != "asha" {
		t.Fatalf("unexpected updated account %+v", updated)
	}
	if name != "  Asha K  " {
		t.Fatalf("caller value must not be modified, got %q", name)
	}
	cached, err := service.Get(ctx, account.ID)
	if err != nil || cached.Name != "Asha K" {
		t.Fatalf("expected cache to observe update, got %+v %v", cached, err)
	}
	if cached.Role != string(records.RoleStudent) || cached.Email != "asha@example.com" {
		t.Fatalf("role and email must not change, got %+v", cached)
	}

	blank := " "
	testCases := []struct {
		name   string
		update ProfileUpdate
		want   error
	}{
		{name: "empty", update: ProfileUpdate{}, want: records.ErrValidation},
		{name: "blank username", update: ProfileUpdate{Username: &blank}, want: records.ErrValidation},
		{name: "unknown account", update: ProfileUpdate{Name: &name}, want: records.ErrNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			id := account.ID
			if testCase.want == records.ErrNotFound {
				id = "missing"
			}
			if _, err := service.UpdateProfile(ctx, id, testCase.update); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}
