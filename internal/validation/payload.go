package validation

import (
	"github.com/hyperengineering/flowsync/internal/types"
)

const (
	// MaxTitleLength bounds task titles.
	MaxTitleLength = 500
	// MaxContentLength bounds task body content.
	MaxContentLength = 100_000
	// MaxLabelLength bounds connection labels.
	MaxLabelLength = 200
	// MaxCoordinate bounds canvas positions in either axis.
	MaxCoordinate = 1_000_000
)

var taskStatuses = []string{
	string(types.StatusOpen),
	string(types.StatusInProgress),
	string(types.StatusDone),
	string(types.StatusArchived),
}

// ValidateTaskPayload checks a task row from a write batch. Pointer fields
// are validated only when present; absent fields are not the client's to
// assert anything about.
func ValidateTaskPayload(c *Collector, field string, p types.TaskPayload) {
	c.Add(ValidateRequired(field+".id", p.ID))
	c.Add(ValidateULID(field+".id", p.ID))
	if p.ParentID != nil && *p.ParentID != "" {
		c.Add(ValidateULID(field+".parent_id", *p.ParentID))
	}
	if p.Title != nil {
		c.Add(ValidateUTF8(field+".title", *p.Title))
		c.Add(ValidateNoNullBytes(field+".title", *p.Title))
		c.Add(ValidateMaxLength(field+".title", *p.Title, MaxTitleLength))
	}
	if p.Content != nil {
		c.Add(ValidateUTF8(field+".content", *p.Content))
		c.Add(ValidateNoNullBytes(field+".content", *p.Content))
		c.Add(ValidateMaxLength(field+".content", *p.Content, MaxContentLength))
	}
	if p.Status != nil {
		c.Add(ValidateEnum(field+".status", string(*p.Status), taskStatuses))
	}
	if p.X != nil {
		c.Add(ValidateRange(field+".x", *p.X, -MaxCoordinate, MaxCoordinate))
	}
	if p.Y != nil {
		c.Add(ValidateRange(field+".y", *p.Y, -MaxCoordinate, MaxCoordinate))
	}
	if p.Version < 0 {
		c.Add(&ValidationError{Field: field + ".version", Message: "must not be negative"})
	}
}

// ValidateConnectionPayload checks a connection row from a write batch.
func ValidateConnectionPayload(c *Collector, field string, p types.ConnectionPayload) {
	c.Add(ValidateRequired(field+".id", p.ID))
	c.Add(ValidateULID(field+".id", p.ID))
	if p.SourceID != nil {
		c.Add(ValidateULID(field+".source_id", *p.SourceID))
	}
	if p.TargetID != nil {
		c.Add(ValidateULID(field+".target_id", *p.TargetID))
	}
	if p.SourceID != nil && p.TargetID != nil && *p.SourceID == *p.TargetID {
		c.Add(&ValidationError{Field: field, Message: "source and target must differ"})
	}
	if p.Label != nil {
		c.Add(ValidateUTF8(field+".label", *p.Label))
		c.Add(ValidateNoNullBytes(field+".label", *p.Label))
		c.Add(ValidateMaxLength(field+".label", *p.Label, MaxLabelLength))
	}
	if p.Version < 0 {
		c.Add(&ValidationError{Field: field + ".version", Message: "must not be negative"})
	}
}
