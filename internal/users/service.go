package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	opRegister     = "users.register"
	opAuthenticate = "users.authenticate"
	opGet          = "users.get"
	opSetRole      = "users.set_role"
	opUpdate       = "users.update_profile"

	minPasswordLength = 8
)

var (
	errMissingDatabase = errors.New("users: database connection required")
	// ErrInvalidCredentials is wrapped by Authenticate failures.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// HashCost is the bcrypt cost; zero selects bcrypt.DefaultCost.
	HashCost int
}

// Service manages accounts of the users auth collection.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	logger    *zap.Logger
	hashCost  int
	validator *validator.Validate
	cache     sync.Map
}

// RegisterRequest carries the fields of a new account.
type RegisterRequest struct {
	Email    string       `validate:"required,email,max=320"`
	Password string       `validate:"required,min=8,max=72"`
	Name     string       `validate:"max=320"`
	Username string       `validate:"max=190"`
	Role     records.Role `validate:"omitempty,oneof=student instructor"`
}

// ProfileUpdate carries the profile fields an account holder may change.
// Nil fields are left untouched.
type ProfileUpdate struct {
	Name     *string `validate:"omitempty,max=320"`
	Username *string `validate:"omitempty,min=1,max=190"`
	Avatar   *string `validate:"omitempty,max=512"`
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hashCost := cfg.HashCost
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		logger:    logger,
		hashCost:  hashCost,
		validator: validator.New(),
	}, nil
}

// Register creates an account. Self-registration may choose the student or
// instructor role; admins are promoted with SetRole.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (Account, error) {
	request.Email = normalizeEmail(request.Email)
	request.Name = normalize(request.Name)
	request.Username = normalize(request.Username)
	if err := s.validator.Struct(request); err != nil {
		return Account{}, validationFailure(opRegister, err)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("email = ?", request.Email).Count(&existing).Error; err != nil {
		s.logError(opRegister, "lookup_failed", err)
		return Account{}, records.NewError(records.KindInternal, opRegister+".lookup_failed", "", err)
	}
	if existing > 0 {
		return Account{}, records.NewValidationError(opRegister+".email_taken",
			records.FieldError{Field: "email", Message: "already registered"})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), s.hashCost)
	if err != nil {
		s.logError(opRegister, "hash_failed", err)
		return Account{}, records.NewError(records.KindInternal, opRegister+".hash_failed", "", err)
	}
	identifier, err := uuid.NewV7()
	if err != nil {
		s.logError(opRegister, "id_generation_failed", err)
		return Account{}, records.NewError(records.KindInternal, opRegister+".id_generation_failed", "", err)
	}
	username := request.Username
	if username == "" {
		username, _, _ = strings.Cut(request.Email, "@")
	}
	role := request.Role
	if role == "" {
		role = records.RoleStudent
	}
	now := s.now().UTC()
	account := Account{
		ID:           identifier.String(),
		Email:        request.Email,
		Username:     username,
		Name:         request.Name,
		Role:         string(role),
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		s.logError(opRegister, "insert_failed", err, zap.String("email", account.Email))
		return Account{}, records.NewError(records.KindInternal, opRegister+".insert_failed", "", err)
	}
	s.cache.Store(account.ID, account)
	return account, nil
}

// Authenticate checks an email and password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, records.NewError(records.KindAuthRequired, opAuthenticate+".invalid_credentials", "invalid email or password", ErrInvalidCredentials)
	}
	if err != nil {
		s.logError(opAuthenticate, "lookup_failed", err)
		return Account{}, records.NewError(records.KindInternal, opAuthenticate+".lookup_failed", "", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Account{}, records.NewError(records.KindAuthRequired, opAuthenticate+".invalid_credentials", "invalid email or password", ErrInvalidCredentials)
	}
	s.cache.Store(account.ID, account)
	return account, nil
}

// Get returns an account by id, served from memory after the first lookup.
func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	identifier := normalize(id)
	if cached, ok := s.cache.Load(identifier); ok {
		if account, ok := cached.(Account); ok {
			return account, nil
		}
	}
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", identifier).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, records.NewError(records.KindNotFound, opGet+".not_found", "user not found", err)
	}
	if err != nil {
		s.logError(opGet, "lookup_failed", err, zap.String("user_id", identifier))
		return Account{}, records.NewError(records.KindInternal, opGet+".lookup_failed", "", err)
	}
	s.cache.Store(account.ID, account)
	return account, nil
}

// SetRole changes the role of the account registered under email.
func (s *Service) SetRole(ctx context.Context, email string, role records.Role) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, records.NewError(records.KindNotFound, opSetRole+".not_found", "user not found", err)
	}
	if err != nil {
		s.logError(opSetRole, "lookup_failed", err)
		return Account{}, records.NewError(records.KindInternal, opSetRole+".lookup_failed", "", err)
	}
	account.Role = string(records.ParseRole(string(role)))
	account.UpdatedAt = s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", account.ID).
		Updates(map[string]interface{}{"role": account.Role, "updated_at": account.UpdatedAt}).Error; err != nil {
		s.logError(opSetRole, "update_failed", err, zap.String("user_id", account.ID))
		return Account{}, records.NewError(records.KindInternal, opSetRole+".update_failed", "", err)
	}
	s.cache.Store(account.ID, account)
	return account, nil
}

// UpdateProfile changes the name, username or avatar of an account. Email,
// role and password are not editable here.
func (s *Service) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (Account, error) {
	update.Name = normalizeOptional(update.Name)
	update.Username = normalizeOptional(update.Username)
	update.Avatar = normalizeOptional(update.Avatar)
	changes := map[string]interface{}{}
	for column, value := range map[string]*string{"name": update.Name, "username": update.Username, "avatar": update.Avatar} {
		if value != nil {
			changes[column] = *value
		}
	}
	if len(changes) == 0 {
		return Account{}, records.NewValidationError(opUpdate+".empty",
			records.FieldError{Field: "name", Message: "nothing to update"})
	}
	if err := s.validator.Struct(update); err != nil {
		return Account{}, validationFailure(opUpdate, err)
	}

	identifier := normalize(id)
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", identifier).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, records.NewError(records.KindNotFound, opUpdate+".not_found", "user not found", err)
	}
	if err != nil {
		s.logError(opUpdate, "lookup_failed", err, zap.String("user_id", identifier))
		return Account{}, records.NewError(records.KindInternal, opUpdate+".lookup_failed", "", err)
	}
	account.UpdatedAt = s.now().UTC()
	changes["updated_at"] = account.UpdatedAt
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", account.ID).Updates(changes).Error; err != nil {
		s.logError(opUpdate, "update_failed", err, zap.String("user_id", account.ID))
		return Account{}, records.NewError(records.KindInternal, opUpdate+".update_failed", "", err)
	}
	if update.Name != nil {
		account.Name = *update.Name
	}
	if update.Username != nil {
		account.Username = *update.Username
	}
	if update.Avatar != nil {
		account.Avatar = *update.Avatar
	}
	s.cache.Store(account.ID, account)
	return account, nil
}

func validationFailure(operation string, err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return records.NewError(records.KindValidation, operation+".validation", err.Error(), err)
	}
	fields := make([]records.FieldError, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		message := "failed " + fieldError.Tag()
		if fieldError.Param() != "" {
			message += "=" + fieldError.Param()
		}
		fields = append(fields, records.FieldError{Field: strings.ToLower(fieldError.Field()), Message: message})
	}
	return records.NewValidationError(operation+".validation", fields...)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
