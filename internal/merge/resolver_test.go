package merge

import (
	"testing"
	"time"

	"github.com/hyperengineering/flowsync/internal/types"
)

const taskID = "01HQZX3VJ4N5P6Q7R8S9T0V1W2"

type fixedOffset time.Duration

func (o fixedOffset) Normalize(t time.Time) time.Time {
	return t.Add(-time.Duration(o))
}

type lockSet map[string]bool

func (l lockSet) IsLocked(_, field string) bool { return l[field] }

func strPtr(s string) *string                        { return &s }
func statusPtr(s types.TaskStatus) *types.TaskStatus { return &s }
func floatPtr(f float64) *float64                    { return &f }

var (
	t100 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t200 = t100.Add(time.Minute)
)

func localTask() types.Task {
	return types.Task{
		ID:        taskID,
		Title:     "A",
		Content:   "draft",
		Status:    types.StatusOpen,
		X:         10,
		Y:         20,
		UpdatedAt: t100,
		Version:   3,
	}
}

func hasProtection(ps []Protection, field string, rule ProtectionRule) bool {
	for _, p := range ps {
		if p.Field == field && p.Rule == rule {
			return true
		}
	}
	return false
}

func TestRemoteNewerAdoptsFields(t *testing.T) {
	r := NewResolver(nil, nil, nil)

	merged, protections := r.ResolveTask(localTask(), types.TaskPayload{
		ID:        taskID,
		Title:     strPtr("B"),
		Content:   strPtr("final"),
		Status:    statusPtr(types.StatusDone),
		UpdatedAt: t200,
		Version:   4,
	})

	if merged.Title != "B" || merged.Content != "final" || merged.Status != types.StatusDone {
		t.Errorf("merged = %+v", merged)
	}
	if merged.Version != 4 {
		t.Errorf("version = %d, want 4", merged.Version)
	}
	if !merged.UpdatedAt.Equal(t200) {
		t.Errorf("updated_at = %v", merged.UpdatedAt)
	}
	if len(protections) != 0 {
		t.Errorf("protections = %+v, want none", protections)
	}
}

func TestStaleRemoteKeepsLocalEntirely(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	local := localTask()

	merged, protections := r.ResolveTask(local, types.TaskPayload{
		ID:        taskID,
		Title:     strPtr("stale"),
		UpdatedAt: t100.Add(-time.Minute),
		Version:   9,
	})

	if merged != local {
		t.Errorf("merged = %+v, want local unchanged", merged)
	}
	if !hasProtection(protections, "*", RuleStaleRemote) {
		t.Errorf("protections = %+v", protections)
	}
}

func TestTimestampTieGoesLocal(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	local := localTask()

	merged, _ := r.ResolveTask(local, types.TaskPayload{
		ID:        taskID,
		Title:     strPtr("tied"),
		UpdatedAt: t100,
	})

	if merged.Title != "A" {
		t.Errorf("title = %q, tie should keep local", merged.Title)
	}
}

func TestOmittedContentRetained(t *testing.T) {
	r := NewResolver(nil, nil, nil)

	// The documented shape: {title:"A", content:"draft", updatedAt:100}
	// merged with remote {title:"A", updatedAt:200} and no content key.
	merged, protections := r.ResolveTask(localTask(), types.TaskPayload{
		ID:        taskID,
		Title:     strPtr("A"),
		UpdatedAt: t200,
		Version:   4,
	})

	if merged.Title != "A" {
		t.Errorf("title = %q", merged.Title)
	}
	if merged.Content != "draft" {
		t.Errorf("content = %q, want local draft retained", merged.Content)
	}
	if !merged.UpdatedAt.Equal(t200) {
		t.Errorf("updated_at = %v, want remote timestamp adopted", merged.UpdatedAt)
	}
	if !hasProtection(protections, FieldContent, RulePartialPayload) {
		t.Errorf("protections = %+v", protections)
	}
}

func TestExplicitEmptyStringClears(t *testing.T) {
	r := NewResolver(nil, nil, nil)

	merged, protections := r.ResolveTask(localTask(), types.TaskPayload{
		ID:        taskID,
		Content:   strPtr(""),
		UpdatedAt: t200,
	})

	if merged.Content != "" {
		t.Errorf("content = %q, explicit empty string must clear", merged.Content)
	}
	if hasProtection(protections, FieldContent, RulePartialPayload) {
		t.Error("explicit clear misread as partial payload")
	}
}

func TestLockedFieldSurvives(t *testing.T) {
	locks := lockSet{FieldContent: true}
	r := NewResolver(nil, locks, nil)

	merged, protections := r.ResolveTask(localTask(), types.TaskPayload{
		ID:        taskID,
		Title:     strPtr("B"),
		Content:   strPtr("remote overwrite"),
		UpdatedAt: t200,
	})

	if merged.Content != "draft" {
		t.Errorf("content = %q, locked field adopted remote value", merged.Content)
	}
	// Sibling fields still update.
	if merged.Title != "B" {
		t.Errorf("title = %q, sibling of locked field frozen", merged.Title)
	}
	if !hasProtection(protections, FieldContent, RuleFieldLock) {
		t.Errorf("protections = %+v", protections)
	}
}

func TestClockSkewNormalization(t *testing.T) {
	// Remote clock runs 2 minutes ahead; a remote timestamp one minute
	// "newer" is actually a minute older on the local timeline.
	r := NewResolver(fixedOffset(2*time.Minute), nil, nil)

	merged, _ := r.ResolveTask(localTask(), types.TaskPayload{
		ID:        taskID,
		Title:     strPtr("from skewed clock"),
		UpdatedAt: t100.Add(time.Minute),
	})

	if merged.Title != "A" {
		t.Errorf("title = %q, skewed remote should lose after normalization", merged.Title)
	}
}

func TestSkewedWinnerKeepsServerTimestamp(t *testing.T) {
	// Remote clock runs 1 minute behind; the remote row still wins after
	// normalization. The stored row must carry the raw server timestamp —
	// the cursor and write acknowledgements live on that timeline.
	r := NewResolver(fixedOffset(-time.Minute), nil, nil)

	merged, _ := r.ResolveTask(localTask(), types.TaskPayload{
		ID:        taskID,
		Title:     strPtr("wins after normalization"),
		UpdatedAt: t200,
		Version:   4,
	})

	if merged.Title != "wins after normalization" {
		t.Fatalf("title = %q, normalized remote should win", merged.Title)
	}
	if !merged.UpdatedAt.Equal(t200) {
		t.Errorf("updated_at = %v, want raw server timestamp %v", merged.UpdatedAt, t200)
	}
}

func TestPositionAndStatusAdopted(t *testing.T) {
	r := NewResolver(nil, nil, nil)

	merged, _ := r.ResolveTask(localTask(), types.TaskPayload{
		ID:        taskID,
		X:         floatPtr(300),
		Status:    statusPtr(types.StatusInProgress),
		UpdatedAt: t200,
	})

	if merged.X != 300 {
		t.Errorf("x = %v", merged.X)
	}
	if merged.Y != 20 {
		t.Errorf("y = %v, absent field should keep local", merged.Y)
	}
	if merged.Status != types.StatusInProgress {
		t.Errorf("status = %q", merged.Status)
	}
}

func TestSoftDeletePropagates(t *testing.T) {
	r := NewResolver(nil, nil, nil)

	deletedAt := t200
	merged, _ := r.ResolveTask(localTask(), types.TaskPayload{
		ID:        taskID,
		UpdatedAt: t200,
		DeletedAt: &deletedAt,
	})

	if merged.DeletedAt == nil {
		t.Error("remote soft delete dropped")
	}
}

func TestResolveConnectionLabel(t *testing.T) {
	local := types.Connection{
		ID:        taskID,
		SourceID:  "01HQZX3VJ4N5P6Q7R8S9T0V1W3",
		TargetID:  "01HQZX3VJ4N5P6Q7R8S9T0V1W4",
		Label:     "blocks",
		UpdatedAt: t100,
		Version:   1,
	}

	r := NewResolver(nil, nil, nil)
	merged, protections := r.ResolveConnection(local, types.ConnectionPayload{
		ID:        taskID,
		UpdatedAt: t200,
		Version:   2,
	})
	if merged.Label != "blocks" {
		t.Errorf("label = %q, omitted label should survive", merged.Label)
	}
	if !hasProtection(protections, FieldLabel, RulePartialPayload) {
		t.Errorf("protections = %+v", protections)
	}

	locked := NewResolver(nil, lockSet{FieldLabel: true}, nil)
	merged, protections = locked.ResolveConnection(local, types.ConnectionPayload{
		ID:        taskID,
		Label:     strPtr("replaces"),
		UpdatedAt: t200,
	})
	if merged.Label != "blocks" {
		t.Errorf("label = %q, locked label adopted remote value", merged.Label)
	}
	if !hasProtection(protections, FieldLabel, RuleFieldLock) {
		t.Errorf("protections = %+v", protections)
	}
}
