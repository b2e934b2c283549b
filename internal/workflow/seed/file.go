// Package seed loads workflow graphs, policies and principals from a YAML document.
package seed

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// File is the root of a seed document.
//
//	steps:
//	  - key: intake
//	    name: Intake
//	workflows:
//	  - name: AML-Review
//	    steps:
//	      - key: intake
//	        default: true
//	    transitions:
//	      - from: intake
//	        to: review
//	        reasons: [Suspicious pattern]
//	        rules:
//	          - requiredFields: [owner]
type File struct {
	OrgUnits       []OrgUnit      `yaml:"orgUnits"`
	Users          []User         `yaml:"users"`
	Steps          []Step         `yaml:"steps"`
	Workflows      []Workflow     `yaml:"workflows"`
	Policies       []Policy       `yaml:"policies"`
	EntityPolicies []EntityPolicy `yaml:"entityPolicies"`
	Alerts         []Alert        `yaml:"alerts"`
}

type OrgUnit struct {
	ID     uuid.UUID `yaml:"id"`
	Name   string    `yaml:"name"`
	Active *bool     `yaml:"active"`
}

type User struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	Email     string     `yaml:"email"`
	OrgUnitID *uuid.UUID `yaml:"orgUnitId"`
	Roles     []string   `yaml:"roles"`
}

// Step is a reusable step definition, referenced by key from workflows.
type Step struct {
	Key           string    `yaml:"key"`
	ID            uuid.UUID `yaml:"id"`
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	ChecklistRefs []string  `yaml:"checklistRefs"`
}

type Workflow struct {
	ID          uuid.UUID      `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Steps       []WorkflowStep `yaml:"steps"`
	Transitions []Transition   `yaml:"transitions"`
}

// WorkflowStep places a step in a workflow. ID may be fixed so policies can reference it.
type WorkflowStep struct {
	Key      string    `yaml:"key"`
	ID       uuid.UUID `yaml:"id"`
	Default  bool      `yaml:"default"`
	Deadline *Deadline `yaml:"deadline"`
}

type Deadline struct {
	Active      bool    `yaml:"active"`
	Count       int     `yaml:"count"`
	Measure     string  `yaml:"measure"`
	OnApproach  *Action `yaml:"onApproach"`
	OnViolation *Action `yaml:"onViolation"`
}

// Action names its AUTO_CHANGE_STEP target by step key.
type Action struct {
	Type       string   `yaml:"type"`
	Target     string   `yaml:"target"`
	Recipients []string `yaml:"recipients"`
}

type Transition struct {
	From    string           `yaml:"from"`
	To      string           `yaml:"to"`
	Name    string           `yaml:"name"`
	Reasons []string         `yaml:"reasons"`
	Rules   []map[string]any `yaml:"rules"`
}

type Policy struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Active    *bool          `yaml:"active"`
	Condition map[string]any `yaml:"condition"`
}

type EntityPolicy struct {
	EntityType string         `yaml:"entityType"`
	EntityID   string         `yaml:"entityId"`
	Condition  map[string]any `yaml:"condition"`
}

// Alert is a sample alert placed on the default step of the named workflow.
type Alert struct {
	ID           uuid.UUID         `yaml:"id"`
	Workflow     string            `yaml:"workflow"`
	OwnerID      string            `yaml:"ownerId"`
	OrgUnitID    *uuid.UUID        `yaml:"orgUnitId"`
	AlertTypeID  string            `yaml:"alertTypeId"`
	Score        *float64          `yaml:"score"`
	Priority     string            `yaml:"priority"`
	CustomerName string            `yaml:"customerName"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Parse decodes a seed document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &f, nil
}

// Load reads and decodes the seed document at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	return Parse(data)
}

// toJSON re-encodes a YAML mapping for storage in a jsonb column.
func toJSON(v map[string]any) (json.RawMessage, error) {
	if v == nil {
		return nil, fmt.Errorf("document is empty")
	}
	return json.Marshal(v)
}
