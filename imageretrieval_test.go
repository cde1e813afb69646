package imageretrieval

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/image-retrieval/pkg/database"
	"github.com/menta2k/image-retrieval/pkg/types"
)

// createTestImage creates a simple test image with a bright subject whose
// position depends on offset
func createTestImage(width, height, offset int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > offset && x < offset+width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, uint8(x * 255 / width), uint8(y * 255 / height), 255})
			}
		}
	}

	return img
}

func writeCollection(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, offset := range map[string]int{"left.png": 10, "middle.png": 60, "right.png": 110} {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, createTestImage(200, 150, offset)); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	return dir
}

func quietRetriever(t *testing.T) *Retriever {
	t.Helper()
	opts := database.DefaultOptions()
	opts.Workers = 2
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewWithOptions(opts)
	if err != nil {
		t.Fatalf("NewWithOptions failed: %v", err)
	}
	return r
}

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("New() returned nil")
	}
	if r.processor == nil {
		t.Error("processor component is nil")
	}
	if r.Database() != nil {
		t.Error("a new retriever should not hold a database")
	}
	if r.Options().Features.Family != "db8" {
		t.Errorf("Expected db8 by default, got %s", r.Options().Features.Family)
	}
}

func TestNewWithOptions(t *testing.T) {
	opts := database.DefaultOptions()
	opts.Features.Family = "sym5"
	if _, err := NewWithOptions(opts); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestExtractFeatures(t *testing.T) {
	r := quietRetriever(t)
	fv, err := r.ExtractFeatures(createTestImage(200, 150, 40))
	if err != nil {
		t.Fatalf("ExtractFeatures failed: %v", err)
	}
	if err := fv.Check(); err != nil {
		t.Errorf("Invalid feature vector: %v", err)
	}

	opts := r.Options()
	opts.Features.PCA = types.PCAShared
	shared, err := NewWithOptions(opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := shared.ExtractFeatures(createTestImage(200, 150, 40)); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Shared extraction without a database should fail, got %v", err)
	}
}

func TestQueryWithoutDatabase(t *testing.T) {
	r := quietRetriever(t)
	if _, err := r.Query(context.Background(), "missing.png", 5, false); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
	if _, err := r.Rank(context.Background(), types.FeatureVector{}, 5, false); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestBuildOrLoadAndQuery(t *testing.T) {
	dir := writeCollection(t)
	name := filepath.Join(t.TempDir(), "collection")
	ctx := context.Background()

	r := quietRetriever(t)
	report, err := r.BuildOrLoadDatabase(ctx, dir, name)
	if err != nil {
		t.Fatalf("BuildOrLoadDatabase failed: %v", err)
	}
	if report == nil || report.Entries() != 3 {
		t.Fatalf("Expected a generation report with 3 entries, got %+v", report)
	}
	if _, err := os.Stat(name + database.DefaultExtension); err != nil {
		t.Fatalf("Archive was not written: %v", err)
	}

	for _, useIndex := range []bool{false, true} {
		result, err := r.Query(ctx, filepath.Join(dir, "middle.png"), 2, useIndex)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Matches) == 0 || result.Matches[0].ID != "middle" || result.Matches[0].Distance != 0 {
			t.Errorf("Expected middle first at distance 0 (index=%v), got %+v", useIndex, result.Matches)
		}
		if result.Info.Width != 200 || result.Info.Height != 150 {
			t.Errorf("Unexpected image info %+v", result.Info)
		}
	}

	reopened := quietRetriever(t)
	report, err = reopened.BuildOrLoadDatabase(ctx, dir, name)
	if err != nil {
		t.Fatalf("Second BuildOrLoadDatabase failed: %v", err)
	}
	if report != nil {
		t.Error("Second open should load the archive")
	}
	if reopened.Database().Len() != 3 {
		t.Errorf("Expected 3 entries, got %d", reopened.Database().Len())
	}
}

func TestSaveNormalized(t *testing.T) {
	r := quietRetriever(t)
	path := filepath.Join(t.TempDir(), "query.png")
	if err := r.SaveNormalized(createTestImage(200, 150, 0), path, "png", 90); err != nil {
		t.Fatalf("SaveNormalized failed: %v", err)
	}
	img, err := r.LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	size := r.Options().Features.Size
	if info := r.GetImageInfo(img); info.Width != size || info.Height != size {
		t.Errorf("Expected %dx%d, got %dx%d", size, size, info.Width, info.Height)
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("Expected version %s, got %s", Version, GetVersion())
	}
}
