package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

// RecordRow persists one record of any collection. Fields are stored as a
// JSON document; the owner is duplicated into its own column for indexing.
type RecordRow struct {
	Collection      string `gorm:"column:collection;primaryKey;size:190;not null;index:idx_records_collection_created,priority:1"`
	RecordID        string `gorm:"column:record_id;primaryKey;size:190;not null"`
	OwnerID         string `gorm:"column:owner_id;size:190;index"`
	FieldsJSON      string `gorm:"column:fields_json;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_records_collection_created,priority:2"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName exposes the table backing records.
func (RecordRow) TableName() string {
	return "records"
}

// NewRecordRow encodes a record for storage.
func NewRecordRow(record records.Record, ownerField string) (RecordRow, error) {
	fields := record.Fields
	if fields == nil {
		fields = records.Fields{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return RecordRow{}, fmt.Errorf("store: encode fields: %w", err)
	}
	row := RecordRow{
		Collection:      record.Collection,
		RecordID:        record.ID,
		FieldsJSON:      string(encoded),
		CreatedAtMillis: record.CreatedAt.UTC().UnixMilli(),
		UpdatedAtMillis: record.UpdatedAt.UTC().UnixMilli(),
	}
	if ownerField != "" {
		row.OwnerID = fields.String(ownerField)
	}
	return row, nil
}

// Record decodes the stored row.
func (r RecordRow) Record() (records.Record, error) {
	fields := records.Fields{}
	if r.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(r.FieldsJSON), &fields); err != nil {
			return records.Record{}, fmt.Errorf("store: decode fields of %s/%s: %w", r.Collection, r.RecordID, err)
		}
	}
	return records.Record{
		ID:         r.RecordID,
		Collection: r.Collection,
		Fields:     fields,
		CreatedAt:  time.UnixMilli(r.CreatedAtMillis).UTC(),
		UpdatedAt:  time.UnixMilli(r.UpdatedAtMillis).UTC(),
	}, nil
}
