package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"go.uber.org/zap"
)

const (
	maxFilenameLength = 120
	filePermissions   = 0o644
	dirPermissions    = 0o755
)

var (
	errInvalidFilename = errors.New("store: invalid file name")
	errMissingFilesDir = errors.New("store: files directory is required")
)

// FileStore keeps uploaded files on disk under <root>/<collection>/<record id>/.
type FileStore struct {
	root string
}

// NewFileStore prepares root for uploads.
func NewFileStore(root string) (*FileStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errMissingFilesDir
	}
	if err := os.MkdirAll(trimmed, dirPermissions); err != nil {
		return nil, fmt.Errorf("store: create files directory: %w", err)
	}
	return &FileStore{root: trimmed}, nil
}

// Save writes content and returns the stored file name. A short random
// suffix keeps re-uploads of the same name from colliding.
func (f *FileStore) Save(collection, recordID, filename string, content []byte) (string, error) {
	clean, err := sanitizeFilename(filename)
	if err != nil {
		return "", err
	}
	extension := filepath.Ext(clean)
	base := strings.TrimSuffix(clean, extension)
	stored := base + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10] + extension

	dir := filepath.Join(f.root, collection, recordID)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return "", fmt.Errorf("store: create record directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stored), content, filePermissions); err != nil {
		return "", fmt.Errorf("store: write file: %w", err)
	}
	return stored, nil
}

// Path resolves a stored file, reporting false when it does not exist.
func (f *FileStore) Path(collection, recordID, filename string) (string, bool) {
	clean, err := sanitizeFilename(filename)
	if err != nil || clean != filename {
		return "", false
	}
	path := filepath.Join(f.root, collection, recordID, clean)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// Remove deletes one stored file. Missing files are ignored.
func (f *FileStore) Remove(collection, recordID, filename string) {
	if path, ok := f.Path(collection, recordID, filename); ok {
		_ = os.Remove(path)
	}
}

// RemoveRecord deletes every file of a record.
func (f *FileStore) RemoveRecord(collection, recordID string) error {
	return os.RemoveAll(filepath.Join(f.root, collection, recordID))
}

// FilePath returns the on-disk location of a file attached to a record the
// principal may view.
func (s *Service) FilePath(ctx context.Context, principal records.Principal, collection, id, filename string) (string, error) {
	if s.files == nil {
		return "", records.NewError(records.KindNotFound, opFile+".not_found", "file not found", nil)
	}
	record, err := s.Get(ctx, principal, collection, id, nil)
	if err != nil {
		return "", err
	}
	attached := false
	if schema, ok := s.schemas(record.Collection); ok {
		for _, name := range schema.FileFields() {
			if record.Fields.String(name) == filename {
				attached = true
				break
			}
		}
	}
	if !attached {
		return "", records.NewError(records.KindNotFound, opFile+".not_found", "file not found", nil)
	}
	path, ok := s.files.Path(record.Collection, record.ID, filename)
	if !ok {
		return "", records.NewError(records.KindNotFound, opFile+".missing_on_disk", "file not found", nil)
	}
	return path, nil
}

func (s *Service) storeUploads(operation string, record *records.Record, uploads []Upload) error {
	if len(uploads) == 0 {
		return nil
	}
	if s.files == nil {
		return records.NewError(records.KindInternal, operation+".files_disabled", "file uploads are not configured", errMissingFilesDir)
	}
	if record.Fields == nil {
		record.Fields = records.Fields{}
	}
	for _, upload := range uploads {
		stored, err := s.files.Save(record.Collection, record.ID, upload.Filename, upload.Content)
		if err != nil {
			s.logError(operation, "file_write_failed", err, zap.String("record_id", record.ID))
			return records.NewError(records.KindInternal, operation+".file_write_failed", "", err)
		}
		record.Fields[upload.Field] = stored
	}
	return nil
}

func (s *Service) removeFiles(record records.Record) {
	if s.files == nil {
		return
	}
	if err := s.files.RemoveRecord(record.Collection, record.ID); err != nil {
		s.logger.Warn("failed to remove record files",
			zap.String("collection", record.Collection),
			zap.String("record_id", record.ID),
			zap.Error(err))
	}
}

// replacedFiles lists the file names that uploads will supersede.
func replacedFiles(existing records.Record, uploads []Upload) []string {
	var names []string
	for _, upload := range uploads {
		if previous := existing.Fields.String(upload.Field); previous != "" {
			names = append(names, previous)
		}
	}
	return names
}

func sanitizeFilename(raw string) (string, error) {
	name := filepath.Base(strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/")))
	if name == "" || name == "." || name == "/" || name == ".." || strings.HasPrefix(name, ".") {
		return "", errInvalidFilename
	}
	if len(name) > maxFilenameLength {
		extension := filepath.Ext(name)
		if len(extension) > 16 {
			extension = ""
		}
		name = name[:maxFilenameLength-len(extension)] + extension
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, name), nil
}
