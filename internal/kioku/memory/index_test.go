package memory

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
)

// testLogger returns a slog.Logger that writes to testing output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// unit returns a unit-normalized copy of vec.
func unit(vec ...float32) []float32 {
	out := append([]float32(nil), vec...)
	Normalize(out)
	return out
}

func TestIndex_AddRejectsWrongDimension(t *testing.T) {
	// Verifies that add fails with ErrDimensionMismatch for a wrong-size vector.
	ix := NewIndex(3)
	if err := ix.add(0, []float32{1, 0}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got: %v", err)
	}
	if ix.Len() != 0 {
		t.Errorf("failed add must not grow the index, len = %d", ix.Len())
	}
}

func TestIndex_SearchRejectsWrongDimension(t *testing.T) {
	// Verifies that search fails with ErrDimensionMismatch for a wrong-size query.
	ix := NewIndex(3)
	if _, err := ix.Search([]float32{1, 0}, 5, 0); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got: %v", err)
	}
}

func TestIndex_SearchOrderingAndThreshold(t *testing.T) {
	// Verifies that search returns at most k results with score >= threshold,
	// strictly descending by score.
	ix := NewIndex(2)
	vecs := [][]float32{
		unit(1, 0),       // id 0: score 1.0 against (1,0)
		unit(0, 1),       // id 1: score 0.0
		unit(1, 1),       // id 2: score ~0.707
		unit(1, 0.2),     // id 3: score ~0.98
		unit(-1, 0),      // id 4: score -1.0
	}
	for i, v := range vecs {
		if err := ix.add(int64(i), v); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	results, err := ix.Search(unit(1, 0), 10, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	wantIDs := []int64{0, 3, 2}
	if len(results) != len(wantIDs) {
		t.Fatalf("expected %d results, got %d: %v", len(wantIDs), len(results), results)
	}
	for i, want := range wantIDs {
		if results[i].ID != want {
			t.Errorf("results[%d].ID = %d, want %d", i, results[i].ID, want)
		}
		if results[i].Score < 0.5 {
			t.Errorf("results[%d].Score = %f is below threshold", i, results[i].Score)
		}
		if i > 0 && results[i].Score > results[i-1].Score {
			t.Errorf("results not descending at %d: %f > %f", i, results[i].Score, results[i-1].Score)
		}
	}
}

func TestIndex_SearchHonorsK(t *testing.T) {
	// Verifies that search returns at most k results.
	ix := NewIndex(2)
	for i := 0; i < 5; i++ {
		if err := ix.add(int64(i), unit(1, float32(i)*0.01)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	results, err := ix.Search(unit(1, 0), 2, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestIndex_SearchTiesBrokenByAscendingID(t *testing.T) {
	// Verifies that equal-score results are ordered by ascending id, so the
	// earliest memory wins and ranking is deterministic.
	ix := NewIndex(2)
	same := unit(1, 0)
	for _, id := range []int64{7, 2, 5} {
		if err := ix.add(id, same); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	results, err := ix.Search(unit(1, 0), 10, 0.9)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	wantIDs := []int64{2, 5, 7}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range wantIDs {
		if results[i].ID != want {
			t.Errorf("results[%d].ID = %d, want %d", i, results[i].ID, want)
		}
	}
}

func TestIndex_SearchEmptyAndBelowThreshold(t *testing.T) {
	// Verifies that an empty index and an all-below-threshold corpus both
	// return no results without error.
	ix := NewIndex(2)
	if results, err := ix.Search(unit(1, 0), 5, 0.3); err != nil || results != nil {
		t.Fatalf("empty index: results=%v err=%v", results, err)
	}

	if err := ix.add(0, unit(0, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	results, err := ix.Search(unit(1, 0), 5, 0.3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results above threshold, got %v", results)
	}
}

func TestNormalize(t *testing.T) {
	// Verifies that Normalize produces a unit vector and reports the original
	// norm, and leaves a zero vector untouched.
	vec := []float32{3, 4}
	norm := Normalize(vec)
	if math.Abs(norm-5) > 1e-6 {
		t.Errorf("norm = %f, want 5", norm)
	}
	if got := vectorNorm(vec); math.Abs(got-1) > 1e-6 {
		t.Errorf("normalized norm = %f, want 1", got)
	}

	zero := []float32{0, 0}
	if norm := Normalize(zero); norm != 0 {
		t.Errorf("zero vector norm = %f, want 0", norm)
	}
}
