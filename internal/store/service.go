// Package store is the record service behind the REST API: it validates
// fields against the collection schemas, enforces access rules and persists
// records through gorm.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "store.service.new"
	opList       = "store.list"
	opGet        = "store.get"
	opCreate     = "store.create"
	opUpdate     = "store.update"
	opDelete     = "store.delete"
	opFile       = "store.file"
	opExpand     = "store.expand"

	// DefaultLimit caps list results when the query does not.
	DefaultLimit = 100
	// MaxLimit is the largest page a caller may request.
	MaxLimit = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSchemas  = errors.New("schema lookup is required")
)

// Action names the kind of change published after a write.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// RecordChange is published after every successful write.
type RecordChange struct {
	Collection string
	RecordID   string
	OwnerID    string
	Action     Action
	Timestamp  time.Time
}

// ChangePublisher receives record changes, e.g. to fan them out to
// realtime subscribers.
type ChangePublisher interface {
	Publish(change RecordChange)
}

// UserDirectory resolves user relations.
type UserDirectory interface {
	Get(ctx context.Context, id string) (users.Account, error)
}

// IDProvider mints record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// UUIDv7Provider mints time-ordered UUIDv7 identifiers.
type UUIDv7Provider struct{}

// NewID returns a UUIDv7 string.
func (UUIDv7Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config wires the store's collaborators.
type Config struct {
	Database   *gorm.DB
	Schemas    func(name string) (records.Collection, bool)
	Users      UserDirectory
	Publisher  ChangePublisher
	Files      *FileStore
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service implements list, get, create, update and delete over every
// declared collection.
type Service struct {
	db         *gorm.DB
	schemas    func(name string) (records.Collection, bool)
	users      UserDirectory
	publisher  ChangePublisher
	files      *FileStore
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// Upload is a file sent with a create or update.
type Upload struct {
	Field    string
	Filename string
	Content  []byte
}

// NewService validates cfg and constructs the store.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, records.NewError(records.KindInternal, opServiceNew+".missing_database", "", errMissingDatabase)
	}
	if cfg.Schemas == nil {
		return nil, records.NewError(records.KindInternal, opServiceNew+".missing_schemas", "", errMissingSchemas)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = UUIDv7Provider{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		schemas:    cfg.Schemas,
		users:      cfg.Users,
		publisher:  cfg.Publisher,
		files:      cfg.Files,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// List returns the records of query visible to principal.
func (s *Service) List(ctx context.Context, principal records.Principal, query records.Query) ([]records.Record, error) {
	schema, err := s.schema(opList, query.Collection)
	if err != nil {
		return nil, err
	}
	for field := range query.Filter {
		if !filterable(schema, field) {
			return nil, records.NewValidationError(opList+".invalid_filter", records.FieldError{Field: field, Message: "unknown field"})
		}
	}
	if field := query.SortField(); field != "" && !filterable(schema, field) {
		return nil, records.NewValidationError(opList+".invalid_sort", records.FieldError{Field: field, Message: "unknown field"})
	}

	var rows []RecordRow
	if err := scopeRows(s.db.WithContext(ctx), schema, query).Order("created_at_ms ASC, record_id ASC").Find(&rows).Error; err != nil {
		s.logError(opList, "select_failed", err, zap.String("collection", schema.Name))
		return nil, records.NewError(records.KindInternal, opList+".select_failed", "", err)
	}

	visible := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.Record()
		if err != nil {
			s.logError(opList, "decode_failed", err, zap.String("record_id", row.RecordID))
			continue
		}
		if !query.Matches(record) || !records.Allows(schema.Access.List, principal, record) {
			continue
		}
		visible = append(visible, record)
	}

	sortRecords(visible, query)
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if len(visible) > limit {
		visible = visible[:limit]
	}
	for index := range visible {
		visible[index] = s.Expand(ctx, principal, visible[index], query.Expand)
	}
	return visible, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, principal records.Principal, collection, id string, expand []string) (records.Record, error) {
	schema, err := s.schema(opGet, collection)
	if err != nil {
		return records.Record{}, err
	}
	record, err := s.load(ctx, opGet, schema.Name, id)
	if err != nil {
		return records.Record{}, err
	}
	if err := deny(opGet, schema.Access.View, principal, record); err != nil {
		return records.Record{}, err
	}
	return s.Expand(ctx, principal, record, expand), nil
}

// Create validates and stores a new record. The id, timestamps and owner
// field are assigned here; callers cannot choose them.
func (s *Service) Create(ctx context.Context, principal records.Principal, collection string, fields records.Fields, uploads []Upload) (records.Record, error) {
	schema, err := s.schema(opCreate, collection)
	if err != nil {
		return records.Record{}, err
	}
	input := writableFields(schema, fields)
	if err := s.checkFields(ctx, opCreate, schema, input, uploads, false); err != nil {
		return records.Record{}, err
	}

	identifier, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return records.Record{}, records.NewError(records.KindInternal, opCreate+".id_generation_failed", "", err)
	}
	now := s.now()
	record := records.Record{
		ID:         identifier,
		Collection: schema.Name,
		Fields:     input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ownerField, hasOwner := schema.OwnerField()
	if hasOwner && principal.Authenticated() {
		record.Fields[ownerField] = principal.UserID
	}
	if err := deny(opCreate, schema.Access.Create, principal, record); err != nil {
		return records.Record{}, err
	}

	if err := s.storeUploads(opCreate, &record, uploads); err != nil {
		return records.Record{}, err
	}
	row, err := NewRecordRow(record, ownerField)
	if err != nil {
		return records.Record{}, records.NewError(records.KindValidation, opCreate+".encode_failed", err.Error(), err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("collection", schema.Name))
		s.removeFiles(record)
		return records.Record{}, records.NewError(records.KindInternal, opCreate+".insert_failed", "", err)
	}
	s.publish(record, ActionCreate, ownerField)
	return record, nil
}

// Update merges fields into an existing record. Owner fields are immutable
// and silently ignored.
func (s *Service) Update(ctx context.Context, principal records.Principal, collection, id string, fields records.Fields, uploads []Upload) (records.Record, error) {
	schema, err := s.schema(opUpdate, collection)
	if err != nil {
		return records.Record{}, err
	}
	existing, err := s.load(ctx, opUpdate, schema.Name, id)
	if err != nil {
		return records.Record{}, err
	}
	if err := deny(opUpdate, schema.Access.Update, principal, existing); err != nil {
		return records.Record{}, err
	}
	input := writableFields(schema, fields)
	if err := s.checkFields(ctx, opUpdate, schema, input, uploads, true); err != nil {
		return records.Record{}, err
	}

	updated := records.Merge(existing, input)
	updated.UpdatedAt = s.now()
	replaced := replacedFiles(existing, uploads)
	if err := s.storeUploads(opUpdate, &updated, uploads); err != nil {
		return records.Record{}, err
	}
	ownerField, _ := schema.OwnerField()
	row, err := NewRecordRow(updated, ownerField)
	if err != nil {
		return records.Record{}, records.NewError(records.KindValidation, opUpdate+".encode_failed", err.Error(), err)
	}
	result := s.db.WithContext(ctx).Model(&RecordRow{}).
		Where("collection = ? AND record_id = ?", row.Collection, row.RecordID).
		Updates(map[string]interface{}{
			"fields_json":   row.FieldsJSON,
			"updated_at_ms": row.UpdatedAtMillis,
		})
	if result.Error != nil {
		s.logError(opUpdate, "update_failed", result.Error, zap.String("record_id", row.RecordID))
		return records.Record{}, records.NewError(records.KindInternal, opUpdate+".update_failed", "", result.Error)
	}
	if result.RowsAffected == 0 {
		return records.Record{}, records.NewError(records.KindNotFound, opUpdate+".not_found", "record not found", nil)
	}
	if s.files != nil {
		for _, filename := range replaced {
			s.files.Remove(updated.Collection, updated.ID, filename)
		}
	}
	s.publish(updated, ActionUpdate, ownerField)
	return updated, nil
}

// Delete removes a record and its files.
func (s *Service) Delete(ctx context.Context, principal records.Principal, collection, id string) error {
	schema, err := s.schema(opDelete, collection)
	if err != nil {
		return err
	}
	existing, err := s.load(ctx, opDelete, schema.Name, id)
	if err != nil {
		return err
	}
	if err := deny(opDelete, schema.Access.Delete, principal, existing); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", existing.Collection, existing.ID).
		Delete(&RecordRow{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("record_id", existing.ID))
		return records.NewError(records.KindInternal, opDelete+".delete_failed", "", result.Error)
	}
	if result.RowsAffected == 0 {
		return records.NewError(records.KindNotFound, opDelete+".not_found", "record not found", nil)
	}
	s.removeFiles(existing)
	ownerField, _ := schema.OwnerField()
	s.publish(existing, ActionDelete, ownerField)
	return nil
}

// Expand resolves the named relation fields of record into nested records.
// Relations the principal may not view, or that no longer exist, are left
// unexpanded.
func (s *Service) Expand(ctx context.Context, principal records.Principal, record records.Record, names []string) records.Record {
	if len(names) == 0 {
		return record
	}
	schema, ok := s.schemas(record.Collection)
	if !ok {
		return record
	}
	for _, name := range names {
		spec, ok := schema.Field(strings.TrimSpace(name))
		if !ok || spec.Type != records.TypeRelation {
			continue
		}
		target := record.Fields.String(spec.Name)
		if target == "" {
			continue
		}
		related, ok := s.resolveRelation(ctx, principal, spec.Relation, target)
		if !ok {
			continue
		}
		if record.Expand == nil {
			record.Expand = make(map[string]records.Record, len(names))
		}
		record.Expand[spec.Name] = related
	}
	return record
}

func (s *Service) resolveRelation(ctx context.Context, principal records.Principal, collection, id string) (records.Record, bool) {
	if collection == "users" {
		if s.users == nil {
			return records.Record{}, false
		}
		account, err := s.users.Get(ctx, id)
		if err != nil {
			if records.KindOf(err) != records.KindNotFound {
				s.logError(opExpand, "user_lookup_failed", err, zap.String("user_id", id))
			}
			return records.Record{}, false
		}
		return account.AsRecord(), true
	}
	schema, ok := s.schemas(collection)
	if !ok {
		return records.Record{}, false
	}
	related, err := s.load(ctx, opExpand, collection, id)
	if err != nil || !records.Allows(schema.Access.View, principal, related) {
		return records.Record{}, false
	}
	return related, true
}

func (s *Service) schema(operation, collection string) (records.Collection, error) {
	name, err := records.ValidateCollection(collection)
	if err != nil {
		return records.Collection{}, records.NewError(records.KindValidation, operation+".invalid_collection", err.Error(), err)
	}
	schema, ok := s.schemas(name)
	if !ok {
		return records.Collection{}, records.NewError(records.KindNotFound, operation+".unknown_collection", "collection "+name+" does not exist", nil)
	}
	return schema, nil
}

func (s *Service) load(ctx context.Context, operation, collection, id string) (records.Record, error) {
	recordID, err := records.ValidateID(id)
	if err != nil {
		return records.Record{}, records.NewError(records.KindNotFound, operation+".not_found", "record not found", err)
	}
	var row RecordRow
	err = s.db.WithContext(ctx).Where("collection = ? AND record_id = ?", collection, recordID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Record{}, records.NewError(records.KindNotFound, operation+".not_found", "record not found", err)
	}
	if err != nil {
		s.logError(operation, "select_failed", err, zap.String("record_id", recordID))
		return records.Record{}, records.NewError(records.KindInternal, operation+".select_failed", "", err)
	}
	record, err := row.Record()
	if err != nil {
		s.logError(operation, "decode_failed", err, zap.String("record_id", recordID))
		return records.Record{}, records.NewError(records.KindInternal, operation+".decode_failed", "", err)
	}
	return record, nil
}

// checkFields validates input against the schema, requires file fields to
// arrive as uploads and verifies that relations point at existing records.
func (s *Service) checkFields(ctx context.Context, operation string, schema records.Collection, input records.Fields, uploads []Upload, partial bool) error {
	candidate := input.Clone()
	var problems []records.FieldError
	for _, upload := range uploads {
		spec, ok := schema.Field(upload.Field)
		if !ok || spec.Type != records.TypeFile {
			problems = append(problems, records.FieldError{Field: upload.Field, Message: "not a file field"})
			continue
		}
		if _, err := sanitizeFilename(upload.Filename); err != nil {
			problems = append(problems, records.FieldError{Field: upload.Field, Message: "invalid file name"})
			continue
		}
		candidate[upload.Field] = upload.Filename
	}
	for _, name := range schema.FileFields() {
		if value, ok := input[name]; ok && !isEmptyString(value) {
			problems = append(problems, records.FieldError{Field: name, Message: "must be uploaded"})
		}
	}

	code := operation + ".validation"
	if err := schema.Validate(code, candidate, partial); err != nil {
		var typed *records.Error
		if errors.As(err, &typed) {
			problems = append(problems, typed.Fields...)
		}
	}
	if len(problems) == 0 {
		problems = s.checkRelations(ctx, schema, input)
	}
	if len(problems) > 0 {
		return records.NewValidationError(code, dedupe(problems)...)
	}
	return nil
}

func (s *Service) checkRelations(ctx context.Context, schema records.Collection, input records.Fields) []records.FieldError {
	var problems []records.FieldError
	for _, spec := range schema.Fields {
		if spec.Type != records.TypeRelation || spec.Owner {
			continue
		}
		target := input.String(spec.Name)
		if target == "" {
			continue
		}
		if !s.relationExists(ctx, spec.Relation, target) {
			problems = append(problems, records.FieldError{Field: spec.Name, Message: "related record not found"})
		}
	}
	return problems
}

func (s *Service) relationExists(ctx context.Context, collection, id string) bool {
	if collection == "users" {
		if s.users == nil {
			return true
		}
		_, err := s.users.Get(ctx, id)
		return err == nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&RecordRow{}).Where("collection = ? AND record_id = ?", collection, id).Count(&count).Error; err != nil {
		s.logError(opCreate, "relation_lookup_failed", err, zap.String("collection", collection))
		return false
	}
	return count > 0
}

func (s *Service) publish(record records.Record, action Action, ownerField string) {
	if s.publisher == nil {
		return
	}
	change := RecordChange{
		Collection: record.Collection,
		RecordID:   record.ID,
		Action:     action,
		Timestamp:  s.now(),
	}
	if ownerField != "" {
		change.OwnerID = record.Fields.String(ownerField)
	}
	s.publisher.Publish(change)
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
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
	s.logger.Error("record store error", attrs...)
}

// deny maps a failed access rule to AuthRequired for anonymous callers and
// Forbidden for signed-in ones.
func deny(operation string, rule records.Rule, principal records.Principal, record records.Record) error {
	if records.Allows(rule, principal, record) {
		return nil
	}
	if !principal.Authenticated() {
		return records.NewError(records.KindAuthRequired, operation+".auth_required", "sign in to continue", nil)
	}
	return records.NewError(records.KindForbidden, operation+".forbidden", "you are not allowed to perform this action", nil)
}

// writableFields drops owner fields, which only the store may set.
func writableFields(schema records.Collection, fields records.Fields) records.Fields {
	out := make(records.Fields, len(fields))
	for name, value := range fields {
		if spec, ok := schema.Field(name); ok && spec.Owner {
			continue
		}
		out[name] = value
	}
	return out.Clone()
}

// scopeRows narrows the select to the predicates the records table stores
// as columns. Remaining filters are applied after decoding.
func scopeRows(db *gorm.DB, schema records.Collection, query records.Query) *gorm.DB {
	db = db.Where("collection = ?", schema.Name)
	if id, ok := query.Filter[records.FieldID]; ok {
		db = db.Where("record_id = ?", id)
	}
	if field, ok := schema.OwnerField(); ok {
		if owner, filtered := query.Filter[field]; filtered {
			db = db.Where("owner_id = ?", owner)
		}
	}
	return db
}

func filterable(schema records.Collection, field string) bool {
	switch field {
	case records.FieldID, records.FieldCreated, records.FieldUpdated:
		return true
	}
	_, ok := schema.Field(field)
	return ok
}

func sortRecords(items []records.Record, query records.Query) {
	field := query.SortField()
	if field == "" {
		field = records.FieldCreated
	}
	descending := query.Descending()
	sort.SliceStable(items, func(i, j int) bool {
		order := compareField(items[i], items[j], field)
		if order == 0 {
			return false
		}
		if descending {
			return order > 0
		}
		return order < 0
	})
}

func compareField(left, right records.Record, field string) int {
	switch field {
	case records.FieldCreated:
		return left.CreatedAt.Compare(right.CreatedAt)
	case records.FieldUpdated:
		return left.UpdatedAt.Compare(right.UpdatedAt)
	}
	leftNumber, leftIsNumber := left.Fields.Float(field)
	rightNumber, rightIsNumber := right.Fields.Float(field)
	if leftIsNumber && rightIsNumber {
		switch {
		case leftNumber < rightNumber:
			return -1
		case leftNumber > rightNumber:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(records.FieldText(left, field), records.FieldText(right, field))
}

func isEmptyString(value any) bool {
	text, ok := value.(string)
	return value == nil || (ok && text == "")
}

func dedupe(problems []records.FieldError) []records.FieldError {
	seen := make(map[string]struct{}, len(problems))
	out := make([]records.FieldError, 0, len(problems))
	for _, problem := range problems {
		if _, ok := seen[problem.Field]; ok {
			continue
		}
		seen[problem.Field] = struct{}{}
		out = append(out, problem)
	}
	return out
}
