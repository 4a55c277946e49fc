package model

import (
	"sort"
	"strings"
)

// SubjectKind identifies what a job operates on.
type SubjectKind string

const (
	// SubjectLeadSearch drives the lead-acquisition pipeline: a search
	// request for restaurants matching a query in a location.
	SubjectLeadSearch SubjectKind = "lead_search"
	// SubjectRestaurant drives the registration pipeline: one restaurant's
	// profile to register on the delivery platform.
	SubjectRestaurant SubjectKind = "restaurant"
)

// Subject binds a job to the record it works on. Fields carries the
// pipeline-specific attributes; each pipeline declares which keys are
// required at job creation.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	// Ref links back to the upstream record (dashboard row, lead item).
	Ref    string            `json:"ref,omitempty"`
	Fields map[string]string `json:"fields"`
}

// Field returns the named field with surrounding whitespace trimmed.
func (s Subject) Field(name string) string {
	return strings.TrimSpace(s.Fields[name])
}

// MissingFields returns the required field names that are absent or blank,
// sorted for stable error messages.
func (s Subject) MissingFields(required []string) []string {
	var missing []string
	for _, name := range required {
		if s.Field(name) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// DedupKey builds a normalized key from the named fields, used to detect
// duplicate subjects within a batch.
func (s Subject) DedupKey(fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		parts = append(parts, strings.ToLower(s.Field(name)))
	}
	return strings.Join(parts, "|")
}
