package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/menta2k/image-retrieval/pkg/types"
)

func randomEntries(rng *rand.Rand, n, dims int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		vec := make([]float64, dims)
		for j := range vec {
			vec[j] = rng.NormFloat64() * 10
		}
		entries[i] = Entry{ID: fmt.Sprintf("img%03d", i), Vector: vec}
	}
	return entries
}

func bruteForce(entries []Entry, query []float64, k int) []types.Match {
	out := make([]types.Match, 0, len(entries))
	for _, e := range entries {
		var sum float64
		for i, v := range e.Vector {
			d := v - query[i]
			sum += d * d
		}
		out = append(out, types.Match{ID: e.ID, Distance: math.Sqrt(sum)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func TestNearestMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	entries := randomEntries(rng, 200, 24)

	idx, skipped, err := Build(context.Background(), entries, 24)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("Unexpected skipped entries: %v", skipped)
	}
	if idx.Len() != 200 {
		t.Fatalf("Expected 200 entries, got %d", idx.Len())
	}

	for trial := 0; trial < 20; trial++ {
		query := randomEntries(rng, 1, 24)[0].Vector
		for _, k := range []int{1, 5, 10} {
			got, err := idx.Nearest(query, k)
			if err != nil {
				t.Fatalf("Nearest failed: %v", err)
			}
			want := bruteForce(entries, query, k)
			if len(got) != len(want) {
				t.Fatalf("Expected %d results, got %d", len(want), len(got))
			}
			for i := range want {
				if got[i].ID != want[i].ID || math.Abs(got[i].Distance-want[i].Distance) > 1e-9 {
					t.Errorf("k=%d result %d: got %+v, expected %+v", k, i, got[i], want[i])
				}
			}
		}
	}
}

func TestNearestExactEntry(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	entries := randomEntries(rng, 50, 8)
	idx, _, err := Build(context.Background(), entries, 8)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	got, err := idx.Nearest(entries[17].Vector, 1)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "img017" || got[0].Distance != 0 {
		t.Errorf("Expected img017 at distance 0, got %+v", got)
	}
}

func TestNearestMoreThanIndexed(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	entries := randomEntries(rng, 4, 3)
	idx, _, err := Build(context.Background(), entries, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	got, err := idx.Nearest([]float64{0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("Expected all 4 entries, got %d", len(got))
	}
}

func TestBuildSkipsMalformedEntries(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	entries := randomEntries(rng, 10, 6)
	entries[3].Vector = entries[3].Vector[:4]

	idx, skipped, err := Build(context.Background(), entries, 6)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if idx.Len() != 9 {
		t.Errorf("Expected 9 indexed entries, got %d", idx.Len())
	}
	if len(skipped) != 1 {
		t.Fatalf("Expected one skipped entry, got %d", len(skipped))
	}

	var entryErr *types.EntryError
	if !errors.As(skipped[0], &entryErr) || entryErr.ID != "img003" {
		t.Errorf("Expected entry error for img003, got %v", skipped[0])
	}
	if !errors.Is(skipped[0], types.ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch, got %v", skipped[0])
	}

	// Positions stay aligned with identifiers after the gap.
	got, err := idx.Nearest(entries[4].Vector, 1)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if got[0].ID != "img004" {
		t.Errorf("Expected img004, got %s", got[0].ID)
	}
	for _, id := range idx.IDs() {
		if id == "img003" {
			t.Error("Malformed entry should not be indexed")
		}
	}
}

func TestNearestQueryShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	idx, _, err := Build(context.Background(), randomEntries(rng, 5, 4), 4)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := idx.Nearest([]float64{1, 2}, 1); !errors.Is(err, types.ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch, got %v", err)
	}
}

func TestBuildEmptyAndInvalid(t *testing.T) {
	idx, _, err := Build(context.Background(), nil, 4)
	if err != nil {
		t.Fatalf("Build of empty index failed: %v", err)
	}
	got, err := idx.Nearest([]float64{0, 0, 0, 0}, 3)
	if err != nil || len(got) != 0 {
		t.Errorf("Expected no results from empty index, got %v, %v", got, err)
	}

	if _, _, err := Build(context.Background(), nil, 0); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error for zero dimension, got %v", err)
	}
}

func TestBuildHonorsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	rng := rand.New(rand.NewSource(11))
	entries := randomEntries(rng, 100, 64)
	_, _, err := Build(ctx, entries, 64)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func BenchmarkNearest(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	entries := randomEntries(rng, 1000, 512)
	idx, _, err := Build(context.Background(), entries, 512)
	if err != nil {
		b.Fatal(err)
	}
	query := entries[0].Vector

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Nearest(query, 10)
	}
}
