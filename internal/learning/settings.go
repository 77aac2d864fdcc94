package learning

import (
	"context"

	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/mutation"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

const (
	opSettingsCurrent = "learning.settings.current"
	opSettingsUpdate  = "learning.settings.update"
)

// Settings reads and edits the site configuration record.
type Settings struct {
	coordinator *mutation.Coordinator
}

// NewSettings binds the settings call site to a coordinator.
func NewSettings(coordinator *mutation.Coordinator) *Settings {
	return &Settings{coordinator: coordinator}
}

// Current returns the site settings record.
func (s *Settings) Current(ctx context.Context) (records.Record, error) {
	items, err := s.coordinator.Load(ctx, settingsQuery())
	if err != nil {
		return records.Record{}, err
	}
	if len(items) == 0 {
		return records.Record{}, records.NewError(records.KindNotFound, opSettingsCurrent+".missing", "site settings have not been configured", nil)
	}
	return items[0], nil
}

// Update changes settings fields. Only admins may edit settings, which is
// checked before the request is sent.
func (s *Settings) Update(ctx context.Context, id string, changed records.Fields) (*mutation.Mutation, error) {
	user, err := requireSession(s.coordinator.Remote(), opSettingsUpdate)
	if err != nil {
		return nil, err
	}
	if user.Role != records.RoleAdmin {
		return nil, records.NewError(records.KindForbidden, opSettingsUpdate+".forbidden", "only admins can change site settings", nil)
	}
	return s.coordinator.Update(ctx, catalog.Settings, id, changed), nil
}
