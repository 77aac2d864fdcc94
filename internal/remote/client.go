package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 15 * time.Second
	contentTypeJSON  = "application/json"
	headerAuthorize  = "Authorization"
	headerContent    = "Content-Type"
	bearerPrefix     = "Bearer "
	recordsPathTmpl  = "/api/collections/%s/records"
	recordPathTmpl   = "/api/collections/%s/records/%s"
	filesPathTmpl    = "/api/files/%s/%s/%s"
	opList           = "remote.list"
	opGet            = "remote.get"
	opCreate         = "remote.create"
	opUpdate         = "remote.update"
	opDelete         = "remote.delete"
	opLogin          = "remote.login"
	opRegister       = "remote.register"
	opMe             = "remote.me"
	opUpdateProfile  = "remote.update_profile"
	mePath           = "/api/auth/me"
	reasonValidation = "validation"
)

var errMissingBaseURL = errors.New("remote: base url is required")

// SchemaLookup resolves the schema used to validate outgoing fields.
type SchemaLookup func(collection string) (records.Collection, bool)

// ClientConfig wires an HTTP client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Auth       *AuthStore
	Schemas    SchemaLookup
	Logger     *zap.Logger
}

// Client implements Service against the record service REST API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	auth    *AuthStore
	schemas SchemaLookup
	logger  *zap.Logger
}

// File is an upload attached to a create or update.
type File struct {
	Name    string
	Content io.Reader
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	authStore := cfg.Auth
	if authStore == nil {
		authStore = NewAuthStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: parsed,
		http:    httpClient,
		auth:    authStore,
		schemas: cfg.Schemas,
		logger:  logger,
	}, nil
}

// Auth exposes the session store the client signs requests with.
func (c *Client) Auth() *AuthStore {
	return c.auth
}

// CurrentUser returns the signed-in user.
func (c *Client) CurrentUser() (User, bool) {
	return c.auth.CurrentUser()
}

type listResponse struct {
	Items      []records.Record `json:"items"`
	TotalItems int              `json:"totalItems"`
}

// List fetches the records matching query.
func (c *Client) List(ctx context.Context, query records.Query) ([]records.Record, error) {
	params := url.Values{}
	for field, value := range query.Filter {
		params.Set("filter["+field+"]", value)
	}
	if query.Sort != "" {
		params.Set("sort", query.Sort)
	}
	if len(query.Expand) > 0 {
		params.Set("expand", strings.Join(query.Expand, ","))
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	var response listResponse
	path := fmt.Sprintf(recordsPathTmpl, url.PathEscape(query.Collection))
	if err := c.doJSON(ctx, opList, http.MethodGet, path, params, nil, &response); err != nil {
		return nil, err
	}
	if response.Items == nil {
		response.Items = []records.Record{}
	}
	return response.Items, nil
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, collection, id string, expand ...string) (records.Record, error) {
	params := url.Values{}
	if len(expand) > 0 {
		params.Set("expand", strings.Join(expand, ","))
	}
	var record records.Record
	path := fmt.Sprintf(recordPathTmpl, url.PathEscape(collection), url.PathEscape(id))
	if err := c.doJSON(ctx, opGet, http.MethodGet, path, params, nil, &record); err != nil {
		return records.Record{}, err
	}
	return record, nil
}

// Create stores a new record. The server assigns id and timestamps.
func (c *Client) Create(ctx context.Context, collection string, fields records.Fields) (records.Record, error) {
	if err := c.validate(opCreate, collection, fields, false); err != nil {
		return records.Record{}, err
	}
	var record records.Record
	path := fmt.Sprintf(recordsPathTmpl, url.PathEscape(collection))
	if err := c.doJSON(ctx, opCreate, http.MethodPost, path, nil, fields, &record); err != nil {
		return records.Record{}, err
	}
	return record, nil
}

// Update applies a partial update.
func (c *Client) Update(ctx context.Context, collection, id string, fields records.Fields) (records.Record, error) {
	if err := c.validate(opUpdate, collection, fields, true); err != nil {
		return records.Record{}, err
	}
	var record records.Record
	path := fmt.Sprintf(recordPathTmpl, url.PathEscape(collection), url.PathEscape(id))
	if err := c.doJSON(ctx, opUpdate, http.MethodPatch, path, nil, fields, &record); err != nil {
		return records.Record{}, err
	}
	return record, nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	path := fmt.Sprintf(recordPathTmpl, url.PathEscape(collection), url.PathEscape(id))
	return c.doJSON(ctx, opDelete, http.MethodDelete, path, nil, nil, nil)
}

// CreateWithFiles stores a new record from a multipart form so file fields
// can be uploaded alongside regular fields.
func (c *Client) CreateWithFiles(ctx context.Context, collection string, fields records.Fields, files map[string]File) (records.Record, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return records.Record{}, records.NewError(records.KindValidation, opCreate+".encode_failed", name, err)
		}
		text := string(encoded)
		if str, ok := value.(string); ok {
			text = str
		}
		if err := writer.WriteField(name, text); err != nil {
			return records.Record{}, records.NewError(records.KindTransport, opCreate+".encode_failed", name, err)
		}
	}
	for field, file := range files {
		part, err := writer.CreateFormFile(field, file.Name)
		if err != nil {
			return records.Record{}, records.NewError(records.KindTransport, opCreate+".encode_failed", field, err)
		}
		if _, err := io.Copy(part, file.Content); err != nil {
			return records.Record{}, records.NewError(records.KindTransport, opCreate+".encode_failed", field, err)
		}
	}
	if err := writer.Close(); err != nil {
		return records.Record{}, records.NewError(records.KindTransport, opCreate+".encode_failed", "", err)
	}

	path := fmt.Sprintf(recordsPathTmpl, url.PathEscape(collection))
	request, err := c.newRequest(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return records.Record{}, records.NewError(records.KindTransport, opCreate+".request_failed", "", err)
	}
	request.Header.Set(headerContent, writer.FormDataContentType())
	var record records.Record
	if err := c.send(opCreate, request, &record); err != nil {
		return records.Record{}, err
	}
	return record, nil
}

// FileURL builds the download URL of a stored file. It performs no I/O.
func (c *Client) FileURL(record records.Record, field string) string {
	filename := record.Fields.String(field)
	if filename == "" || record.ID == "" || record.Collection == "" {
		return ""
	}
	path := fmt.Sprintf(filesPathTmpl, url.PathEscape(record.Collection), url.PathEscape(record.ID), url.PathEscape(filename))
	return c.baseURL.String() + path
}

type credentialsPayload struct {
	Email    string       `json:"email"`
	Password string       `json:"password"`
	Name     string       `json:"name,omitempty"`
	Username string       `json:"username,omitempty"`
	Role     records.Role `json:"role,omitempty"`
}

type sessionPayload struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Login authenticates with email and password and stores the session.
// Any previous session is cleared first, and again on failure.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	c.auth.Clear()
	var session sessionPayload
	payload := credentialsPayload{Email: email, Password: password}
	if err := c.doJSON(ctx, opLogin, http.MethodPost, "/api/auth/login", nil, payload, &session); err != nil {
		return User{}, err
	}
	if session.Token == "" || session.User.ID == "" {
		return User{}, records.NewError(records.KindAuthRequired, opLogin+".empty_session", "authentication failed", nil)
	}
	c.auth.Save(session.Token, session.User)
	return session.User, nil
}

// Register creates an account and signs in as it.
func (c *Client) Register(ctx context.Context, email, password, name string, role records.Role) (User, error) {
	var session sessionPayload
	payload := credentialsPayload{Email: email, Password: password, Name: name, Role: role}
	if err := c.doJSON(ctx, opRegister, http.MethodPost, "/api/auth/register", nil, payload, &session); err != nil {
		return User{}, err
	}
	c.auth.Save(session.Token, session.User)
	return session.User, nil
}

// Me refreshes the signed-in user from the server.
func (c *Client) Me(ctx context.Context) (User, error) {
	var user User
	if err := c.doJSON(ctx, opMe, http.MethodGet, mePath, nil, nil, &user); err != nil {
		return User{}, err
	}
	c.auth.Save(c.auth.Token(), user)
	return user, nil
}

// ProfileChanges lists the profile fields to change. Nil fields are not sent.
type ProfileChanges struct {
	Name     *string `json:"name,omitempty"`
	Username *string `json:"username,omitempty"`
	Avatar   *string `json:"avatar,omitempty"`
}

// UpdateProfile changes the signed-in user's profile and stores the result.
func (c *Client) UpdateProfile(ctx context.Context, changes ProfileChanges) (User, error) {
	if !c.auth.IsValid() {
		return User{}, records.NewError(records.KindAuthRequired, opUpdateProfile+".auth_required", "you must be logged in", nil)
	}
	var user User
	if err := c.doJSON(ctx, opUpdateProfile, http.MethodPatch, mePath, nil, changes, &user); err != nil {
		return User{}, err
	}
	c.auth.Save(c.auth.Token(), user)
	return user, nil
}

// Logout forgets the session.
func (c *Client) Logout() {
	c.auth.Clear()
}

func (c *Client) validate(operation, collection string, fields records.Fields, partial bool) error {
	if c.schemas == nil {
		return nil
	}
	schema, ok := c.schemas(collection)
	if !ok {
		return nil
	}
	return schema.Validate(operation+"."+reasonValidation, fields, partial)
}

func (c *Client) doJSON(ctx context.Context, operation, method, path string, params url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return records.NewError(records.KindValidation, operation+".encode_failed", "request could not be encoded", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := c.newRequest(ctx, method, path, params, body)
	if err != nil {
		return records.NewError(records.KindTransport, operation+".request_failed", "", err)
	}
	if payload != nil {
		request.Header.Set(headerContent, contentTypeJSON)
	}
	return c.send(operation, request, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL.String() + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", contentTypeJSON)
	if token := c.auth.Token(); token != "" {
		request.Header.Set(headerAuthorize, bearerPrefix+token)
	}
	return request, nil
}

func (c *Client) send(operation string, request *http.Request, out any) error {
	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Warn("record service request failed",
			zap.String("operation", operation),
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Error(err))
		return records.NewError(records.KindTransport, operation+".network", "record service unreachable", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return decodeFailure(operation, response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return records.NewError(records.KindTransport, operation+".decode_failed", "malformed response", err)
	}
	return nil
}

type failurePayload struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

func decodeFailure(operation string, response *http.Response) error {
	var payload failurePayload
	_ = json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&payload)

	code := payload.Code
	if code == "" {
		code = fmt.Sprintf("%s.status_%d", operation, response.StatusCode)
	}
	failure := &records.Error{
		Kind:    KindForStatus(response.StatusCode),
		Code:    code,
		Message: payload.Message,
	}
	for field, message := range payload.Fields {
		failure.Fields = append(failure.Fields, records.FieldError{Field: field, Message: message})
	}
	if failure.Kind == records.KindValidation && len(failure.Fields) > 0 {
		return records.NewValidationError(code, failure.Fields...)
	}
	return failure
}

// KindForStatus maps an HTTP status code onto an error kind. Server errors
// and unexpected statuses are transport failures the caller may retry.
func KindForStatus(status int) records.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return records.KindValidation
	case http.StatusUnauthorized:
		return records.KindAuthRequired
	case http.StatusForbidden:
		return records.KindForbidden
	case http.StatusNotFound:
		return records.KindNotFound
	default:
		return records.KindTransport
	}
}
