package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rizo8107/skiddys-learning-platform/internal/auth"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/store"
	"github.com/rizo8107/skiddys-learning-platform/internal/users"
	"go.uber.org/zap"
)

const (
	principalContextKey   = "skiddys_principal"
	defaultMaxUploadBytes = 10 << 20
	filterParamPrefix     = "filter["
)

var (
	errMissingRecordStore   = errors.New("record store dependency required")
	errMissingAccounts      = errors.New("account service dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingSchemas       = errors.New("schema lookup dependency required")
	errInvalidAuthorization = errors.New("authorization token missing or invalid")
)

// RecordStore is the record service the REST API exposes.
type RecordStore interface {
	List(ctx context.Context, principal records.Principal, query records.Query) ([]records.Record, error)
	Get(ctx context.Context, principal records.Principal, collection, id string, expand []string) (records.Record, error)
	Create(ctx context.Context, principal records.Principal, collection string, fields records.Fields, uploads []store.Upload) (records.Record, error)
	Update(ctx context.Context, principal records.Principal, collection, id string, fields records.Fields, uploads []store.Upload) (records.Record, error)
	Delete(ctx context.Context, principal records.Principal, collection, id string) error
	FilePath(ctx context.Context, principal records.Principal, collection, id, filename string) (string, error)
}

// AccountService manages the users auth collection.
type AccountService interface {
	Register(ctx context.Context, request users.RegisterRequest) (users.Account, error)
	Authenticate(ctx context.Context, email, password string) (users.Account, error)
	Get(ctx context.Context, id string) (users.Account, error)
	UpdateProfile(ctx context.Context, id string, update users.ProfileUpdate) (users.Account, error)
}

// SessionTokenIssuer issues session tokens for authenticated accounts.
type SessionTokenIssuer interface {
	Issue(ctx context.Context, principal records.Principal) (string, int64, error)
}

// SessionResolver resolves the caller of a request.
type SessionResolver interface {
	Principal(r *http.Request) (records.Principal, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Records        RecordStore
	Accounts       AccountService
	Tokens         SessionTokenIssuer
	Sessions       SessionResolver
	Schemas        func(name string) (records.Collection, bool)
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the REST API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Records == nil {
		return nil, errMissingRecordStore
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Schemas == nil {
		return nil, errMissingSchemas
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	handler := &httpHandler{
		records:   deps.Records,
		accounts:  deps.Accounts,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		schemas:   deps.Schemas,
		realtime:  deps.Realtime,
		maxUpload: maxUpload,
		logger:    logger,
	}

	api := router.Group("/api")
	api.GET("/health", handler.handleHealth)
	api.POST("/auth/register", handler.handleRegister)
	api.POST("/auth/login", handler.handleLogin)

	authorized := api.Group("/")
	authorized.Use(handler.authorizeRequest)
	authorized.GET("/auth/me", handler.handleMe)
	authorized.PATCH("/auth/me", handler.handleUpdateMe)
	authorized.GET("/collections/:collection/records", handler.handleList)
	authorized.POST("/collections/:collection/records", handler.handleCreate)
	authorized.GET("/collections/:collection/records/:id", handler.handleGet)
	authorized.PATCH("/collections/:collection/records/:id", handler.handleUpdate)
	authorized.DELETE("/collections/:collection/records/:id", handler.handleDelete)
	authorized.GET("/files/:collection/:id/:filename", handler.handleFile)
	if deps.Realtime != nil {
		authorized.GET("/realtime", handler.handleRealtime)
	}

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
		return config
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return config
}

type httpHandler struct {
	records   RecordStore
	accounts  AccountService
	tokens    SessionTokenIssuer
	sessions  SessionResolver
	schemas   func(name string) (records.Collection, bool)
	realtime  *RealtimeDispatcher
	maxUpload int64
	logger    *zap.Logger
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type profilePayload struct {
	Name     *string `json:"name"`
	Username *string `json:"username"`
	Avatar   *string `json:"avatar"`
}

type userPayload struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Role     string `json:"role"`
}

type sessionPayload struct {
	Token     string      `json:"token"`
	ExpiresIn int64       `json:"expires_in"`
	TokenType string      `json:"token_type"`
	User      userPayload `json:"user"`
}

type listPayload struct {
	Items      []records.Record `json:"items"`
	TotalItems int              `json:"totalItems"`
}

type errorPayload struct {
	Error   records.Kind      `json:"error"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func newUserPayload(account users.Account) userPayload {
	return userPayload{
		ID:       account.ID,
		Email:    account.Email,
		Username: account.Username,
		Name:     account.Name,
		Avatar:   account.Avatar,
		Role:     string(records.ParseRole(account.Role)),
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, records.NewError(records.KindValidation, "server.register.invalid_body", "request body must be JSON", err))
		return
	}
	account, err := h.accounts.Register(c.Request.Context(), users.RegisterRequest{
		Email:    request.Email,
		Password: request.Password,
		Name:     request.Name,
		Username: request.Username,
		Role:     records.Role(strings.ToLower(strings.TrimSpace(request.Role))),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.issueSession(c, account)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		h.writeError(c, records.NewValidationError("server.login.invalid_body",
			records.FieldError{Field: "email", Message: "email and password are required"}))
		return
	}
	account, err := h.accounts.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.issueSession(c, account)
}

func (h *httpHandler) issueSession(c *gin.Context, account users.Account) {
	token, expiresIn, err := h.tokens.Issue(c.Request.Context(), account.Principal())
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("user_id", account.ID), zap.Error(err))
		h.writeError(c, records.NewError(records.KindInternal, "server.session.token_issue_failed", "", err))
		return
	}
	c.JSON(http.StatusOK, sessionPayload{
		Token:     token,
		ExpiresIn: expiresIn,
		TokenType: "Bearer",
		User:      newUserPayload(account),
	})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	principal := principalFrom(c)
	if !principal.Authenticated() {
		h.writeError(c, records.NewError(records.KindAuthRequired, "server.me.auth_required", "sign in to continue", nil))
		return
	}
	account, err := h.accounts.Get(c.Request.Context(), principal.UserID)
	if err != nil {
		if records.KindOf(err) == records.KindNotFound {
			err = records.NewError(records.KindAuthRequired, "server.me.unknown_user", "session user no longer exists", err)
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserPayload(account))
}

func (h *httpHandler) handleUpdateMe(c *gin.Context) {
	principal := principalFrom(c)
	if !principal.Authenticated() {
		h.writeError(c, records.NewError(records.KindAuthRequired, "server.update_me.auth_required", "sign in to continue", nil))
		return
	}
	var request profilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, records.NewError(records.KindValidation, "server.update_me.invalid_body", "request body must be JSON", err))
		return
	}
	account, err := h.accounts.UpdateProfile(c.Request.Context(), principal.UserID, users.ProfileUpdate{
		Name:     request.Name,
		Username: request.Username,
		Avatar:   request.Avatar,
	})
	if err != nil {
		if records.KindOf(err) == records.KindNotFound {
			err = records.NewError(records.KindAuthRequired, "server.update_me.unknown_user", "session user no longer exists", err)
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserPayload(account))
}

func (h *httpHandler) handleList(c *gin.Context) {
	query, err := parseListQuery(c.Param("collection"), c.Request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items, err := h.records.List(c.Request.Context(), principalFrom(c), query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if items == nil {
		items = []records.Record{}
	}
	c.JSON(http.StatusOK, listPayload{Items: items, TotalItems: len(items)})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	record, err := h.records.Get(c.Request.Context(), principalFrom(c), c.Param("collection"), c.Param("id"), splitList(c.Query("expand")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	fields, uploads, err := h.readWriteBody(c, "server.create")
	if err != nil {
		h.writeError(c, err)
		return
	}
	record, err := h.records.Create(c.Request.Context(), principalFrom(c), c.Param("collection"), fields, uploads)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	fields, uploads, err := h.readWriteBody(c, "server.update")
	if err != nil {
		h.writeError(c, err)
		return
	}
	record, err := h.records.Update(c.Request.Context(), principalFrom(c), c.Param("collection"), c.Param("id"), fields, uploads)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	if err := h.records.Delete(c.Request.Context(), principalFrom(c), c.Param("collection"), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFile(c *gin.Context) {
	path, err := h.records.FilePath(c.Request.Context(), principalFrom(c), c.Param("collection"), c.Param("id"), c.Param("filename"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.File(path)
}

// readWriteBody decodes a create or update body, either JSON or a multipart
// form whose file parts become uploads.
func (h *httpHandler) readWriteBody(c *gin.Context, operation string) (records.Fields, []store.Upload, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return h.readMultipart(c, operation)
	}
	fields := records.Fields{}
	decoder := json.NewDecoder(c.Request.Body)
	if err := decoder.Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, bodyError(operation, err)
	}
	return fields, nil, nil
}

func (h *httpHandler) readMultipart(c *gin.Context, operation string) (records.Fields, []store.Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, bodyError(operation, err)
	}
	schema, _ := h.schemas(c.Param("collection"))
	fields := records.Fields{}
	for name, values := range form.Value {
		if len(values) == 0 {
			continue
		}
		fields[name] = decodeFormValue(schema, name, values[0])
	}
	var uploads []store.Upload
	for field, headers := range form.File {
		for _, header := range headers {
			content, err := readUpload(header)
			if err != nil {
				return nil, nil, bodyError(operation, err)
			}
			uploads = append(uploads, store.Upload{Field: field, Filename: header.Filename, Content: content})
		}
	}
	return fields, uploads, nil
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// decodeFormValue converts a multipart text value to the field's type.
// Non-string values arrive JSON encoded.
func decodeFormValue(schema records.Collection, name, raw string) any {
	spec, ok := schema.Field(name)
	if !ok {
		return raw
	}
	switch spec.Type {
	case records.TypeNumber:
		if number, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return number
		}
	case records.TypeBool:
		if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return value
		}
	case records.TypeJSON:
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err == nil {
			return value
		}
	}
	return raw
}

func bodyError(operation string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return records.NewError(records.KindValidation, operation+".body_too_large", "request body is too large", err)
	}
	return records.NewError(records.KindValidation, operation+".invalid_body", "request body could not be decoded", err)
}

// parseListQuery reads filter[field]=value, sort, expand and limit.
func parseListQuery(collection string, r *http.Request) (records.Query, error) {
	values := r.URL.Query()
	query := records.Query{
		Collection: collection,
		Sort:       strings.TrimSpace(values.Get("sort")),
		Expand:     splitList(values.Get("expand")),
	}
	for key, entries := range values {
		if !strings.HasPrefix(key, filterParamPrefix) || !strings.HasSuffix(key, "]") || len(entries) == 0 {
			continue
		}
		field := strings.TrimSuffix(strings.TrimPrefix(key, filterParamPrefix), "]")
		if field == "" {
			continue
		}
		if query.Filter == nil {
			query.Filter = make(map[string]string)
		}
		query.Filter[field] = entries[0]
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return records.Query{}, records.NewValidationError("server.list.invalid_limit",
				records.FieldError{Field: "limit", Message: "must be a non-negative integer"})
		}
		query.Limit = limit
	}
	return query, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// authorizeRequest resolves the caller. Requests without a token continue
// as anonymous; a token that fails validation is rejected.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.sessions.Principal(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		h.writeError(c, records.NewError(records.KindAuthRequired, "server.authorize.invalid_token", errInvalidAuthorization.Error(), err))
		c.Abort()
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) records.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return records.Principal{}
	}
	principal, _ := value.(records.Principal)
	return principal
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	typed := records.AsError(err, "server.unclassified")
	if typed.Kind == records.KindTransport {
		typed = records.NewError(records.KindInternal, typed.Code, typed.Message, typed.Err)
	}
	status := statusForKind(typed.Kind)
	message := typed.Message
	if typed.Kind == records.KindInternal {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", typed.Code),
			zap.Error(err))
		message = "internal server error"
	}
	if message == "" {
		message = http.StatusText(status)
	}
	c.JSON(status, errorPayload{
		Error:   typed.Kind,
		Code:    typed.Code,
		Message: message,
		Fields:  typed.FieldMap(),
	})
}

func statusForKind(kind records.Kind) int {
	switch kind {
	case records.KindValidation:
		return http.StatusBadRequest
	case records.KindAuthRequired:
		return http.StatusUnauthorized
	case records.KindForbidden:
		return http.StatusForbidden
	case records.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
