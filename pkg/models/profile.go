// Package models defines the core domain models for the marketing automation engine.
package models

import (
	"strings"
	"time"
)

// Profile is one customer record. The engine treats a profile as an
// immutable snapshot for the duration of a single evaluation; mutations go
// through the profile repository as partial merges.
type Profile struct {
	ID             string         `json:"id"              validate:"required"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	Email          string         `json:"email"`
	Phone          string         `json:"phone,omitempty"`
	FirstName      string         `json:"first_name,omitempty"`
	LastName       string         `json:"last_name,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EventContextKey is the reserved property namespace under which an inbound
// event's payload is exposed to condition evaluation.
const EventContextKey = "event"

// Property resolves a value by dotted path. Top-level contact fields are
// addressable by their JSON names; everything else resolves into the
// property bag, descending through nested maps.
func (p *Profile) Property(path string) (any, bool) {
	switch path {
	case "id":
		return p.ID, true
	case "email":
		return p.Email, true
	case "phone":
		return p.Phone, true
	case "first_name":
		return p.FirstName, true
	case "last_name":
		return p.LastName, true
	case "created_at":
		return p.CreatedAt, true
	case "updated_at":
		return p.UpdatedAt, true
	}

	return lookupPath(p.Properties, strings.Split(path, "."))
}

// SetProperty writes a value into the property bag by dotted path, creating
// intermediate maps as needed. A non-map value sitting mid-path is replaced
// by a map.
func (p *Profile) SetProperty(path string, value any) {
	if p.Properties == nil {
		p.Properties = make(map[string]any)
	}

	setPath(p.Properties, strings.Split(path, "."), value)
}

func setPath(bag map[string]any, segments []string, value any) {
	if len(segments) == 1 {
		bag[segments[0]] = value

		return
	}

	nested, ok := bag[segments[0]].(map[string]any)
	if !ok {
		nested = make(map[string]any)
		bag[segments[0]] = nested
	}

	setPath(nested, segments[1:], value)
}

func lookupPath(bag map[string]any, segments []string) (any, bool) {
	if bag == nil || len(segments) == 0 {
		return nil, false
	}

	value, ok := bag[segments[0]]
	if !ok {
		return nil, false
	}

	if len(segments) == 1 {
		return value, true
	}

	nested, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}

	return lookupPath(nested, segments[1:])
}

// Tags returns the profile's tag list from the "tags" property. Non-string
// entries are skipped.
func (p *Profile) Tags() []string {
	raw, ok := p.Properties["tags"]
	if !ok {
		return nil
	}

	var tags []string

	switch v := raw.(type) {
	case []string:
		tags = append(tags, v...)
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	return tags
}

// WithEventContext returns a shallow copy of the profile whose property bag
// additionally exposes the given event payload under the reserved "event"
// namespace. The receiver is not modified.
func (p *Profile) WithEventContext(eventProperties map[string]any) *Profile {
	if len(eventProperties) == 0 {
		return p
	}

	clone := *p
	clone.Properties = make(map[string]any, len(p.Properties)+1)

	for k, v := range p.Properties {
		clone.Properties[k] = v
	}

	clone.Properties[EventContextKey] = eventProperties

	return &clone
}

// ProfileEvent is one historical behavioral event attached to a profile,
// supplied externally to event-condition evaluation.
type ProfileEvent struct {
	ID         string         `json:"id"`
	ProfileID  string         `json:"profile_id"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
