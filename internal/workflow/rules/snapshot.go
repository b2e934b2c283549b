package rules

import (
	"strconv"
	"strings"
)

// Snapshot is the read-only view of an alert that rules are evaluated against.
type Snapshot struct {
	OwnerID       string
	Reason        string
	ReasonDetails string
	CustomerName  string
	Status        string
	Priority      string
	Score         *float64

	ChecklistTotal     int
	ChecklistCompleted int
	Attachments        int
	Notes              int

	// Extra carries fields that have no dedicated attribute, keyed by their document name.
	Extra map[string]string
}

// Field resolves a field name used in a requiredFields document.
func (s Snapshot) Field(name string) string {
	switch strings.ToLower(name) {
	case "owner", "ownerid":
		return s.OwnerID
	case "reason":
		return s.Reason
	case "reasondetails":
		return s.ReasonDetails
	case "customer", "customername":
		return s.CustomerName
	case "status":
		return s.Status
	case "priority":
		return s.Priority
	case "score":
		if s.Score == nil {
			return ""
		}
		return strconv.FormatFloat(*s.Score, 'f', -1, 64)
	}
	return s.Extra[name]
}

var fieldLabels = map[string]string{
	"owner":         "Owner",
	"ownerid":       "Owner",
	"reason":        "Reason",
	"reasondetails": "Reason details",
	"customer":      "Customer name",
	"customername":  "Customer name",
	"status":        "Status",
	"priority":      "Priority",
	"score":         "Score",
}

func fieldLabel(name string) string {
	if label, ok := fieldLabels[strings.ToLower(name)]; ok {
		return label
	}
	return name
}
