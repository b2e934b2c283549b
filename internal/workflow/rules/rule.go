// Package rules holds the business-rule prerequisites attached to workflow transitions.
//
// Rule documents are stored as JSON on the transition row and parsed once into a small
// tagged-variant tree. Evaluation never short-circuits: every failing node contributes one message.
package rules

import (
	"fmt"
	"strings"
)

// Kind identifies the variant of a rule node.
type Kind string

const (
	KindRequiredField  Kind = "REQUIRED_FIELD"
	KindMinScore       Kind = "MIN_SCORE"
	KindRequiredStatus Kind = "REQUIRED_STATUS"
	KindNamedPredicate Kind = "NAMED_PREDICATE"
)

// Predicate names a rule that is implemented in code rather than described by a document.
type Predicate string

const (
	PredicateOwnerAssigned        Predicate = "OWNER_ASSIGNED"
	PredicateHighPriority         Predicate = "HIGH_PRIORITY"
	PredicateChecklistComplete    Predicate = "CHECKLIST_COMPLETE"
	PredicateAttachmentsPresent   Predicate = "ATTACHMENTS_PRESENT"
	PredicateNotesPresent         Predicate = "NOTES_PRESENT"
	PredicateReasonDetailsPresent Predicate = "REASON_DETAILS_PRESENT"
)

// Rule is a single parsed condition.
type Rule interface {
	Kind() Kind
	// Evaluate returns a failure message and false when the snapshot does not satisfy the rule.
	Evaluate(s Snapshot) (string, bool)
}

// RequiredField requires a non-blank value for one snapshot field.
type RequiredField struct {
	Field   string
	Message string
}

func (r RequiredField) Kind() Kind { return KindRequiredField }

func (r RequiredField) Evaluate(s Snapshot) (string, bool) {
	if strings.TrimSpace(s.Field(r.Field)) != "" {
		return "", true
	}
	return messageOr(r.Message, fmt.Sprintf("%s is required", fieldLabel(r.Field))), false
}

// MinScore requires the alert score to be at least Min.
type MinScore struct {
	Min     float64
	Message string
}

func (r MinScore) Kind() Kind { return KindMinScore }

func (r MinScore) Evaluate(s Snapshot) (string, bool) {
	if s.Score == nil {
		return messageOr(r.Message, fmt.Sprintf("Score is required (minimum %g)", r.Min)), false
	}
	if *s.Score < r.Min {
		return messageOr(r.Message, fmt.Sprintf("Score %g is below the minimum of %g", *s.Score, r.Min)), false
	}
	return "", true
}

// RequiredStatus requires an exact status match.
type RequiredStatus struct {
	Status  string
	Message string
}

func (r RequiredStatus) Kind() Kind { return KindRequiredStatus }

func (r RequiredStatus) Evaluate(s Snapshot) (string, bool) {
	if s.Status == r.Status {
		return "", true
	}
	return messageOr(r.Message, fmt.Sprintf("Status must be %q but is %q", r.Status, s.Status)), false
}

// NamedPredicate evaluates one of the built-in predicates.
type NamedPredicate struct {
	Predicate Predicate
	Message   string
}

func (r NamedPredicate) Kind() Kind { return KindNamedPredicate }

func (r NamedPredicate) Evaluate(s Snapshot) (string, bool) {
	var ok bool
	var msg string

	switch r.Predicate {
	case PredicateOwnerAssigned:
		ok = strings.TrimSpace(s.OwnerID) != ""
		msg = "Alert must have an owner assigned"
	case PredicateHighPriority:
		p := strings.ToUpper(s.Priority)
		ok = p == "HIGH" || p == "CRITICAL"
		msg = "Alert must be high priority"
	case PredicateChecklistComplete:
		ok = s.ChecklistCompleted >= s.ChecklistTotal
		msg = fmt.Sprintf("All checklist items must be completed (%d of %d done)", s.ChecklistCompleted, s.ChecklistTotal)
	case PredicateAttachmentsPresent:
		ok = s.Attachments > 0
		msg = "At least one attachment is required"
	case PredicateNotesPresent:
		ok = s.Notes > 0
		msg = "At least one note is required"
	case PredicateReasonDetailsPresent:
		ok = strings.TrimSpace(s.ReasonDetails) != ""
		msg = "Reason details are required"
	default:
		msg = fmt.Sprintf("Unknown rule %q", r.Predicate)
	}

	if ok {
		return "", true
	}
	return messageOr(r.Message, msg), false
}

// KnownPredicate reports whether p is implemented.
func KnownPredicate(p Predicate) bool {
	switch p {
	case PredicateOwnerAssigned, PredicateHighPriority, PredicateChecklistComplete,
		PredicateAttachmentsPresent, PredicateNotesPresent, PredicateReasonDetailsPresent:
		return true
	}
	return false
}

func messageOr(custom, fallback string) string {
	if custom != "" {
		return custom
	}
	return fallback
}
