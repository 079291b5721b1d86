// Package merge implements field-level last-write-wins conflict
// resolution with two protections layered on top: fields the user is
// actively editing never adopt remote values, and fields absent from a
// partial remote payload keep their local value no matter how new the
// remote timestamp is. User-authored content is never silently lost.
package merge

import (
	"log/slog"
	"time"

	"github.com/hyperengineering/flowsync/internal/types"
)

// Field names used by the lock manager and protection diagnostics.
const (
	FieldParent  = "parent_id"
	FieldTitle   = "title"
	FieldContent = "content"
	FieldStatus  = "status"
	FieldX       = "x"
	FieldY       = "y"
	FieldLabel   = "label"
)

// ProtectionRule identifies which rule kept a local value.
type ProtectionRule string

const (
	// RuleStaleRemote fired because the remote row is not newer than the
	// local one (ties go local).
	RuleStaleRemote ProtectionRule = "stale_remote"
	// RuleFieldLock fired because the field is focused or in its grace
	// window.
	RuleFieldLock ProtectionRule = "field_lock"
	// RulePartialPayload fired because the field was absent from the
	// remote payload.
	RulePartialPayload ProtectionRule = "partial_payload"
)

// Protection is one diagnostic record of a merge rule keeping a local
// value.
type Protection struct {
	EntityID string         `json:"entity_id"`
	Field    string         `json:"field"`
	Rule     ProtectionRule `json:"rule"`
}

// Normalizer maps remote timestamps onto the local timeline. The clock
// skew monitor implements it.
type Normalizer interface {
	Normalize(t time.Time) time.Time
}

// LockChecker reports user editing activity. The field lock manager
// implements it.
type LockChecker interface {
	IsLocked(entityID, field string) bool
}

type zeroNormalizer struct{}

func (zeroNormalizer) Normalize(t time.Time) time.Time { return t }

type noLocks struct{}

func (noLocks) IsLocked(string, string) bool { return false }

// Resolver merges remote rows into local state.
type Resolver struct {
	clock  Normalizer
	locks  LockChecker
	logger *slog.Logger
}

// NewResolver creates a resolver. Nil clock or locks disable that
// protection (zero offset, nothing locked).
func NewResolver(clock Normalizer, locks LockChecker, logger *slog.Logger) *Resolver {
	if clock == nil {
		clock = zeroNormalizer{}
	}
	if locks == nil {
		locks = noLocks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		clock:  clock,
		locks:  locks,
		logger: logger.With("component", "merge"),
	}
}

// ResolveTask merges a remote task payload into the local task. The
// returned task is what the cache should store; protections list every
// rule that kept a local value.
func (r *Resolver) ResolveTask(local types.Task, remote types.TaskPayload) (types.Task, []Protection) {
	normalized := r.clock.Normalize(remote.UpdatedAt)

	// Not newer than local: keep local entirely. Ties go local so a
	// device echo can never displace fresher work.
	if !normalized.After(local.UpdatedAt) {
		p := []Protection{{EntityID: local.ID, Field: "*", Rule: RuleStaleRemote}}
		r.logProtections(p)
		return local, p
	}

	merged := local
	// Stored rows stay on the server timeline, same as fresh inserts and
	// write acknowledgements; the offset applies only to the ordering
	// comparison above.
	merged.UpdatedAt = remote.UpdatedAt
	merged.Version = remote.Version
	merged.DeletedAt = remote.DeletedAt

	var protections []Protection
	keep := func(field string) bool {
		if r.locks.IsLocked(local.ID, field) {
			protections = append(protections, Protection{EntityID: local.ID, Field: field, Rule: RuleFieldLock})
			return true
		}
		return false
	}
	absent := func(field string, localEmpty bool) {
		if !localEmpty {
			protections = append(protections, Protection{EntityID: local.ID, Field: field, Rule: RulePartialPayload})
		}
	}

	if remote.ParentID != nil {
		if !keep(FieldParent) {
			merged.ParentID = *remote.ParentID
		}
	}
	if remote.Title != nil {
		if !keep(FieldTitle) {
			merged.Title = *remote.Title
		}
	} else {
		absent(FieldTitle, local.Title == "")
	}
	if remote.Content != nil {
		if !keep(FieldContent) {
			merged.Content = *remote.Content
		}
	} else {
		absent(FieldContent, local.Content == "")
	}
	if remote.Status != nil {
		if !keep(FieldStatus) {
			merged.Status = *remote.Status
		}
	}
	if remote.X != nil {
		if !keep(FieldX) {
			merged.X = *remote.X
		}
	}
	if remote.Y != nil {
		if !keep(FieldY) {
			merged.Y = *remote.Y
		}
	}

	r.logProtections(protections)
	return merged, protections
}

// ResolveConnection merges a remote connection payload into the local
// connection under the same rules.
func (r *Resolver) ResolveConnection(local types.Connection, remote types.ConnectionPayload) (types.Connection, []Protection) {
	normalized := r.clock.Normalize(remote.UpdatedAt)

	if !normalized.After(local.UpdatedAt) {
		p := []Protection{{EntityID: local.ID, Field: "*", Rule: RuleStaleRemote}}
		r.logProtections(p)
		return local, p
	}

	merged := local
	merged.UpdatedAt = remote.UpdatedAt
	merged.Version = remote.Version
	merged.DeletedAt = remote.DeletedAt

	var protections []Protection

	if remote.SourceID != nil {
		merged.SourceID = *remote.SourceID
	}
	if remote.TargetID != nil {
		merged.TargetID = *remote.TargetID
	}
	if remote.Label != nil {
		if r.locks.IsLocked(local.ID, FieldLabel) {
			protections = append(protections, Protection{EntityID: local.ID, Field: FieldLabel, Rule: RuleFieldLock})
		} else {
			merged.Label = *remote.Label
		}
	} else if local.Label != "" {
		protections = append(protections, Protection{EntityID: local.ID, Field: FieldLabel, Rule: RulePartialPayload})
	}

	r.logProtections(protections)
	return merged, protections
}

func (r *Resolver) logProtections(protections []Protection) {
	for _, p := range protections {
		r.logger.Debug("merge protection fired",
			"action", "resolve",
			"entity_id", p.EntityID,
			"field", p.Field,
			"rule", string(p.Rule),
		)
	}
}
