package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// ErrUserNotFound is returned when no principal record exists for a user ID.
var ErrUserNotFound = errors.New("user not found")

// Repository is the read-only policy store.
type Repository interface {
	ListActive(ctx context.Context, policyType model.PolicyType) ([]model.Policy, error)
	ListEntityMappings(ctx context.Context, entityType, entityID string) ([]model.EntityPolicyMapping, error)
	IsOrgUnitActive(ctx context.Context, orgUnitID uuid.UUID) (bool, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
}

// GormRepository reads policies, mappings, org units and users from the relational store.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a new GormRepository.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// ListActive returns active policies of a type, oldest first so evaluation order is stable.
func (r *GormRepository) ListActive(ctx context.Context, policyType model.PolicyType) ([]model.Policy, error) {
	var policies []model.Policy
	err := r.db.WithContext(ctx).
		Where("type = ? AND is_active = ?", policyType, true).
		Order("created_at ASC, id ASC").
		Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active %s policies: %w", policyType, err)
	}
	return policies, nil
}

// ListEntityMappings returns the mappings of an entity, oldest first.
func (r *GormRepository) ListEntityMappings(ctx context.Context, entityType, entityID string) ([]model.EntityPolicyMapping, error) {
	var mappings []model.EntityPolicyMapping
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at ASC, id ASC").
		Find(&mappings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list policy mappings for %s %s: %w", entityType, entityID, err)
	}
	return mappings, nil
}

// IsOrgUnitActive reports whether an org unit exists and is active.
func (r *GormRepository) IsOrgUnitActive(ctx context.Context, orgUnitID uuid.UUID) (bool, error) {
	var unit model.OrgUnit
	err := r.db.WithContext(ctx).Select("id", "active").First(&unit, "id = ?", orgUnitID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up org unit %s: %w", orgUnitID, err)
	}
	return unit.Active, nil
}

// GetUser returns the principal record of a user.
func (r *GormRepository) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	return &user, nil
}
