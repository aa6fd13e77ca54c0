package batch

import (
	"reflect"
	"testing"

	"review-radar/internal/model"
)

func TestBuildDedupesAndKeepsOrder(t *testing.T) {
	t.Parallel()

	specs, err := Build("t1", model.PlatformGoogle, model.JobKindReviews,
		[]string{"a", "b", "a", "", "c", "b"}, 10)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if !reflect.DeepEqual(specs[0].Identifiers, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected identifiers: %v", specs[0].Identifiers)
	}
	if specs[0].TenantID != "t1" || specs[0].Platform != model.PlatformGoogle || specs[0].Kind != model.JobKindReviews {
		t.Fatalf("spec fields not propagated: %+v", specs[0])
	}
}

func TestBuildSplitsOversizedSets(t *testing.T) {
	t.Parallel()

	ids := make([]string, 0, 7)
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		ids = append(ids, s)
	}
	specs, err := Build("t1", model.PlatformGoogle, model.JobKindReviews, ids, 3)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	if got := len(specs[0].Identifiers) + len(specs[1].Identifiers) + len(specs[2].Identifiers); got != 7 {
		t.Fatalf("expected all 7 identifiers covered, got %d", got)
	}
	if !reflect.DeepEqual(specs[2].Identifiers, []string{"g"}) {
		t.Fatalf("unexpected last chunk: %v", specs[2].Identifiers)
	}
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	if _, err := Build("t1", model.PlatformGoogle, model.JobKindProfile, nil, 5); err == nil {
		t.Fatalf("expected error for empty identifier set")
	}
	if _, err := Build("t1", model.PlatformGoogle, model.JobKindProfile, []string{"", ""}, 5); err == nil {
		t.Fatalf("expected error when all identifiers are blank")
	}
}

func TestBuildDefaultsBatchSize(t *testing.T) {
	t.Parallel()

	ids := make([]string, DefaultMaxBatchSize+1)
	for i := range ids {
		ids[i] = string(rune('a' + i%26)) + string(rune('0'+i/26))
	}
	specs, err := Build("t1", model.PlatformGoogle, model.JobKindReviews, ids, 0)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected default max size to split into 2 specs, got %d", len(specs))
	}
	if len(specs[0].Identifiers) != DefaultMaxBatchSize {
		t.Fatalf("expected first chunk of %d, got %d", DefaultMaxBatchSize, len(specs[0].Identifiers))
	}
}
