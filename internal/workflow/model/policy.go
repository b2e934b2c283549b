package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// PolicyType classifies what a policy condition document expresses.
type PolicyType string

const (
	PolicyTypeStepPermission   PolicyType = "STEP_PERMISSION"   // allowedTransitions / restrictedTransitions
	PolicyTypeStepAssignment   PolicyType = "STEP_ASSIGNMENT"   // assignments
	PolicyTypeAlertPermission  PolicyType = "ALERT_PERMISSION"  // permissions on alerts, e.g. CHANGE_STEP
	PolicyTypeActionPermission PolicyType = "ACTION_PERMISSION" // permissions on actions
)

// Policy is an externally authored condition document. The engine only reads active ones.
type Policy struct {
	BaseModel
	AuditFields
	Name      string          `gorm:"type:varchar(255);column:name;not null" json:"name"`
	Type      PolicyType      `gorm:"type:varchar(50);column:type;not null;index:idx_policy_type_active" json:"type"`
	IsActive  bool            `gorm:"type:boolean;column:is_active;not null;default:true;index:idx_policy_type_active" json:"isActive"`
	Condition json.RawMessage `gorm:"type:jsonb;column:condition;not null;serializer:json" json:"condition"`
}

func (p *Policy) TableName() string {
	return "policies"
}

// EntityTypeStep is the entity type used for step-level assignment mappings.
const EntityTypeStep = "STEP"

// EntityPolicyMapping attaches a condition document to an arbitrary entity.
type EntityPolicyMapping struct {
	BaseModel
	EntityType string          `gorm:"type:varchar(50);column:entity_type;not null;index:idx_entity_policy_mapping" json:"entityType"`
	EntityID   string          `gorm:"type:varchar(100);column:entity_id;not null;index:idx_entity_policy_mapping" json:"entityId"`
	PolicyID   *uuid.UUID      `gorm:"type:uuid;column:policy_id" json:"policyId,omitempty"`
	Condition  json.RawMessage `gorm:"type:jsonb;column:condition;serializer:json" json:"condition"`
}

func (m *EntityPolicyMapping) TableName() string {
	return "entity_policy_mappings"
}

// OrgUnit is an organizational unit. Inactive units never satisfy org-scoped policy entries.
type OrgUnit struct {
	BaseModel
	Name   string `gorm:"type:varchar(255);column:name;not null" json:"name"`
	Active bool   `gorm:"type:boolean;column:active;not null;default:true" json:"active"`
}

func (o *OrgUnit) TableName() string {
	return "org_units"
}

// User is the principal record used to match user-, role- and org-scoped policy entries.
type User struct {
	ID        string     `gorm:"type:varchar(100);column:id;primaryKey" json:"id"`
	Name      string     `gorm:"type:varchar(255);column:name" json:"name"`
	Email     string     `gorm:"type:varchar(255);column:email" json:"email,omitempty"`
	OrgUnitID *uuid.UUID `gorm:"type:uuid;column:org_unit_id" json:"orgUnitId,omitempty"`
	RoleIDs   []string   `gorm:"type:jsonb;column:role_ids;serializer:json" json:"roleIds"`
}

func (u *User) TableName() string {
	return "users"
}
