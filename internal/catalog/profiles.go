package catalog

import (
	"context"
	"errors"
)

// ErrBuiltinProfile is returned when a caller tries to modify or delete a
// built-in import profile.
var ErrBuiltinProfile = errors.New("built-in profiles cannot be modified")

// UpsertBuiltinProfile creates or refreshes a built-in profile by identifier.
// Called once per identifier at startup so shipped configs stay current.
func (s *Store) UpsertBuiltinProfile(ctx context.Context, p *ImportProfile) error {
	p.Builtin = true
	var existing ImportProfile
	err := s.db.WithContext(ctx).Where("identifier = ?", p.Identifier).First(&existing).Error
	if err != nil {
		if wrapNotFound(err) != ErrNotFound {
			return err
		}
		return s.db.WithContext(ctx).Create(p).Error
	}
	existing.Name = p.Name
	existing.Description = p.Description
	existing.Config = p.Config
	existing.Builtin = true
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return err
	}
	*p = existing
	return nil
}

// GetImportProfile loads a profile by id.
func (s *Store) GetImportProfile(ctx context.Context, id int64) (*ImportProfile, error) {
	var p ImportProfile
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

// GetImportProfileByIdentifier loads a profile by its stable identifier.
func (s *Store) GetImportProfileByIdentifier(ctx context.Context, identifier string) (*ImportProfile, error) {
	var p ImportProfile
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&p).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

// ListImportProfiles returns every profile, built-ins first.
func (s *Store) ListImportProfiles(ctx context.Context) ([]ImportProfile, error) {
	var ps []ImportProfile
	err := s.db.WithContext(ctx).Order("builtin DESC, identifier").Find(&ps).Error
	return ps, err
}

// CreateImportProfile inserts a user profile.
func (s *Store) CreateImportProfile(ctx context.Context, p *ImportProfile) error {
	p.Builtin = false
	return s.db.WithContext(ctx).Create(p).Error
}

// UpdateImportProfile persists a user profile; built-ins are refused.
func (s *Store) UpdateImportProfile(ctx context.Context, p *ImportProfile) error {
	existing, err := s.GetImportProfile(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing.Builtin {
		return ErrBuiltinProfile
	}
	return s.db.WithContext(ctx).Save(p).Error
}

// DeleteImportProfile removes a user profile; built-ins are refused.
func (s *Store) DeleteImportProfile(ctx context.Context, id int64) error {
	existing, err := s.GetImportProfile(ctx, id)
	if err != nil {
		return err
	}
	if existing.Builtin {
		return ErrBuiltinProfile
	}
	return s.db.WithContext(ctx).Delete(&ImportProfile{}, id).Error
}
