package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

const scopeProperties = `
	"userId":    {"type": "string", "minLength": 1},
	"roleId":    {"type": "string", "minLength": 1},
	"orgUnitId": {"type": "string", "format": "uuid"}`

const permissionEntrySchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "minLength": 1},` + scopeProperties + `
	}
}`

var permissionSchema = `{
	"type": "object",
	"required": ["permissions"],
	"properties": {
		"permissions": {"type": "array", "items": ` + permissionEntrySchema + `}
	}
}`

const transitionEntrySchema = `{
	"type": "object",
	"required": ["fromStepId", "toStepId"],
	"properties": {
		"fromStepId": {"type": "string", "format": "uuid"},
		"toStepId":   {"type": "string", "format": "uuid"},` + scopeProperties + `
	}
}`

var stepPermissionSchema = `{
	"type": "object",
	"properties": {
		"allowedTransitions":    {"type": "array", "items": ` + transitionEntrySchema + `},
		"restrictedTransitions": {"type": "array", "items": ` + transitionEntrySchema + `}
	},
	"anyOf": [
		{"required": ["allowedTransitions"]},
		{"required": ["restrictedTransitions"]}
	]
}`

var assignTargetSchema = `{
	"type": "object",
	"properties": {
		"userId":  {"type": "string", "minLength": 1},
		"roleId":  {"type": "string", "minLength": 1},
		"queueId": {"type": "string", "minLength": 1}
	},
	"minProperties": 1
}`

var assignmentEntrySchema = `{
	"type": "object",
	"required": ["assignTo"],
	"properties": {
		"stepId":    {"type": "string", "format": "uuid"},
		"orgUnitId": {"type": "string", "format": "uuid"},
		"assignTo":  ` + assignTargetSchema + `
	}
}`

var assignmentSchema = `{
	"type": "object",
	"required": ["assignments"],
	"properties": {
		"assignments": {"type": "array", "items": ` + assignmentEntrySchema + `}
	}
}`

var entityAssignmentSchema = `{
	"type": "object",
	"required": ["assignTo"],
	"properties": {
		"orgUnitId": {"type": "string", "format": "uuid"},
		"assignTo":  ` + assignTargetSchema + `
	}
}`

var ruleSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"requiredFields": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"minScore":       {"type": "number"},
		"requiredStatus": {"type": "string", "minLength": 1},
		"rule": {
			"enum": ["OWNER_ASSIGNED", "HIGH_PRIORITY", "CHECKLIST_COMPLETE", "ATTACHMENTS_PRESENT", "NOTES_PRESENT", "REASON_DETAILS_PRESENT"]
		},
		"message": {"type": "string"}
	},
	"minProperties": 1
}`

var (
	schemas = map[model.PolicyType]*gojsonschema.Schema{
		model.PolicyTypeAlertPermission:  mustSchema(permissionSchema),
		model.PolicyTypeActionPermission: mustSchema(permissionSchema),
		model.PolicyTypeStepPermission:   mustSchema(stepPermissionSchema),
		model.PolicyTypeStepAssignment:   mustSchema(assignmentSchema),
	}
	entityAssignment = mustSchema(entityAssignmentSchema)
	ruleDocument     = mustSchema(ruleSchema)

	permissionEntry = mustSchema(permissionEntrySchema)
	transitionEntry = mustSchema(transitionEntrySchema)
	assignmentEntry = mustSchema(assignmentEntrySchema)
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return schema
}

// ValidateCondition checks a whole policy condition document against the schema of its type. It is
// the authoring-time check; the read path validates entry by entry instead.
func ValidateCondition(policyType model.PolicyType, condition json.RawMessage) error {
	schema, ok := schemas[policyType]
	if !ok {
		return fmt.Errorf("unknown policy type %q", policyType)
	}
	return validate(schema, condition)
}

// ValidateEntityAssignment checks the condition of a STEP entity mapping.
func ValidateEntityAssignment(condition json.RawMessage) error {
	return validate(entityAssignment, condition)
}

// ValidateRuleDocument checks one transition rule document.
func ValidateRuleDocument(doc json.RawMessage) error {
	return validate(ruleDocument, doc)
}

func validate(schema *gojsonschema.Schema, doc json.RawMessage) error {
	if len(doc) == 0 {
		return fmt.Errorf("document is empty")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("document is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("document does not match schema: %s", strings.Join(msgs, "; "))
}
