package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// document is the stored form of one rule condition. A document may combine several keys;
// each key becomes its own node so failures are reported separately.
//
//	{"requiredFields": ["owner", "customerName"], "minScore": 60}
//	{"rule": "CHECKLIST_COMPLETE", "message": "Finish the checklist first"}
type document struct {
	RequiredFields []string  `json:"requiredFields,omitempty"`
	MinScore       *float64  `json:"minScore,omitempty"`
	RequiredStatus *string   `json:"requiredStatus,omitempty"`
	Rule           Predicate `json:"rule,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// Parse converts one condition document into rule nodes.
func Parse(raw json.RawMessage) ([]Rule, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid rule document: %w", err)
	}

	var out []Rule
	for _, f := range doc.RequiredFields {
		if f == "" {
			return nil, fmt.Errorf("invalid rule document: empty field name in requiredFields")
		}
		out = append(out, RequiredField{Field: f, Message: doc.Message})
	}
	if doc.MinScore != nil {
		out = append(out, MinScore{Min: *doc.MinScore, Message: doc.Message})
	}
	if doc.RequiredStatus != nil {
		out = append(out, RequiredStatus{Status: *doc.RequiredStatus, Message: doc.Message})
	}
	if doc.Rule != "" {
		if !KnownPredicate(doc.Rule) {
			return nil, fmt.Errorf("invalid rule document: unknown rule %q", doc.Rule)
		}
		out = append(out, NamedPredicate{Predicate: doc.Rule, Message: doc.Message})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("invalid rule document: no condition present")
	}
	return out, nil
}

// Set is the ordered collection of rule documents attached to a transition. It keeps the raw
// documents for persistence and the parsed nodes for evaluation.
type Set struct {
	docs  []json.RawMessage
	rules []Rule
}

// NewSet parses the given documents.
func NewSet(docs ...json.RawMessage) (Set, error) {
	s := Set{docs: make([]json.RawMessage, 0, len(docs))}
	for i, d := range docs {
		parsed, err := Parse(d)
		if err != nil {
			return Set{}, fmt.Errorf("rule %d: %w", i, err)
		}
		s.docs = append(s.docs, d)
		s.rules = append(s.rules, parsed...)
	}
	return s, nil
}

// MustSet is NewSet for literals known to be valid.
func MustSet(docs ...string) Set {
	raws := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		raws[i] = json.RawMessage(d)
	}
	s, err := NewSet(raws...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Set) Rules() []Rule { return s.rules }

func (s Set) Documents() []json.RawMessage { return s.docs }

func (s Set) Len() int { return len(s.rules) }

// Requires reports whether any node is the named predicate p.
func (s Set) Requires(p Predicate) bool {
	for _, r := range s.rules {
		if np, ok := r.(NamedPredicate); ok && np.Predicate == p {
			return true
		}
	}
	return false
}

// Evaluate runs every node and returns all failure messages in declaration order.
func (s Set) Evaluate(snap Snapshot) []string {
	var failures []string
	for _, r := range s.rules {
		if msg, ok := r.Evaluate(snap); !ok {
			failures = append(failures, msg)
		}
	}
	return failures
}

func (s Set) MarshalJSON() ([]byte, error) {
	if s.docs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.docs)
}

func (s *Set) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = Set{}
		return nil
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(b, &docs); err != nil {
		return fmt.Errorf("rule set must be a JSON array: %w", err)
	}
	parsed, err := NewSet(docs...)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
