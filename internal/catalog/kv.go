package catalog

import "context"

// GetSetting returns the persisted value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var row Setting
	if err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error; err != nil {
		return "", wrapNotFound(err)
	}
	return row.Value, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	var row Setting
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if err != nil {
		if wrapNotFound(err) != ErrNotFound {
			return err
		}
		return s.db.WithContext(ctx).Create(&Setting{Key: key, Value: value}).Error
	}
	row.Value = value
	return s.db.WithContext(ctx).Save(&row).Error
}

// GetCredential loads the newest credential of a kind.
func (s *Store) GetCredential(ctx context.Context, kind string) (*Credential, error) {
	var c Credential
	err := s.db.WithContext(ctx).Where("kind = ?", kind).Order("id DESC").First(&c).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &c, nil
}

// GetCredentialByID loads a credential by id.
func (s *Store) GetCredentialByID(ctx context.Context, id int64) (*Credential, error) {
	var c Credential
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &c, nil
}

// SaveCredential inserts or updates a credential.
func (s *Store) SaveCredential(ctx context.Context, c *Credential) error {
	return s.db.WithContext(ctx).Save(c).Error
}
