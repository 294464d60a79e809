package store

import (
	"context"
	"errors"
	"fmt"

	"appchat-backend/internal/database"
	"appchat-backend/internal/upstream"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAPIKeyNotFound is a hard configuration error: key resolution is exact,
// a missing record is never papered over by guessing.
var ErrAPIKeyNotFound = errors.New("no API key configured")

// AppEntry is one registered application as the rest of the service consumes
// it.
type AppEntry struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Endpoint    string        `json:"-"`
	Mode        upstream.Mode `json:"mode"`
	APIKeyName  string        `json:"-"`
	TitlePrefix string        `json:"-"`
}

// Applications lists the registered hosted apps.
func (s *Store) Applications(ctx context.Context) ([]AppEntry, error) {
	var rows []database.Application
	if err := s.db.WithContext(ctx).Where("deleted = ?", false).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error listing applications: %w", err)
	}
	entries := make([]AppEntry, len(rows))
	for i, row := range rows {
		entries[i] = toAppEntry(row)
	}
	return entries, nil
}

// Application resolves one registered app by its id tag.
func (s *Store) Application(ctx context.Context, id string) (AppEntry, error) {
	var row database.Application
	err := s.db.WithContext(ctx).Where("id = ? AND deleted = ?", id, false).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AppEntry{}, fmt.Errorf("application %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return AppEntry{}, fmt.Errorf("error loading application %q: %w", id, err)
	}
	return toAppEntry(row), nil
}

// APIKey resolves an upstream credential by exact name.
func (s *Store) APIKey(ctx context.Context, name string) (string, int, error) {
	var row database.APIKey
	err := s.db.WithContext(ctx).Where("name = ? AND deleted = ?", name, false).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, fmt.Errorf("%w: %q", ErrAPIKeyNotFound, name)
	}
	if err != nil {
		return "", 0, fmt.Errorf("error loading API key %q: %w", name, err)
	}
	return row.Key, row.Version, nil
}

// SetAPIKey creates or replaces a key record. Replacing requires the current
// version token; creation passes zero.
func (s *Store) SetAPIKey(ctx context.Context, name, key string, version int) error {
	if version == 0 {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&database.APIKey{Name: name, Key: key, Version: 1}).Error
		if err != nil {
			return fmt.Errorf("error creating API key %q: %w", name, err)
		}
		return nil
	}

	res := s.db.WithContext(ctx).
		Model(&database.APIKey{}).
		Where("name = ? AND version = ? AND deleted = ?", name, version, false).
		Updates(map[string]any{"key": key, "version": version + 1})
	if res.Error != nil {
		return fmt.Errorf("error updating API key %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("API key %q: %w", name, ErrVersionConflict)
	}
	return nil
}

// UserSettings returns the settings record for a user, or a default one when
// none is stored yet.
func (s *Store) UserSettings(ctx context.Context, userID string) (database.UserSetting, error) {
	var row database.UserSetting
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return database.UserSetting{UserID: userID, Language: "en"}, nil
	}
	if err != nil {
		return database.UserSetting{}, fmt.Errorf("error loading settings for %q: %w", userID, err)
	}
	return row, nil
}

// SaveUserSettings upserts the settings record. An existing record requires
// its current version token.
func (s *Store) SaveUserSettings(ctx context.Context, setting database.UserSetting) error {
	if setting.Version == 0 {
		setting.Version = 1
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&setting).Error
		if err != nil {
			return fmt.Errorf("error creating settings for %q: %w", setting.UserID, err)
		}
		return nil
	}

	res := s.db.WithContext(ctx).
		Model(&database.UserSetting{}).
		Where("user_id = ? AND version = ?", setting.UserID, setting.Version).
		Updates(map[string]any{
			"role":     setting.Role,
			"language": setting.Language,
			"version":  setting.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("error updating settings for %q: %w", setting.UserID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("settings for %q: %w", setting.UserID, ErrVersionConflict)
	}
	return nil
}

func toAppEntry(row database.Application) AppEntry {
	mode := upstream.Mode(row.Mode)
	if mode != upstream.ModeWorkflow {
		mode = upstream.ModeChat
	}
	return AppEntry{
		ID:          row.ID,
		Name:        row.Name,
		Endpoint:    row.Endpoint,
		Mode:        mode,
		APIKeyName:  row.APIKeyName,
		TitlePrefix: row.TitlePrefix,
	}
}
