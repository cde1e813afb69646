package processing

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/image-retrieval/pkg/types"
)

// CanonicalSize is the side of the square every image is resized to before
// feature extraction.
const CanonicalSize = 128

// Processor handles image loading, normalization and saving
type Processor struct {
	// MinImageSize rejects images whose width or height is below it.
	MinImageSize int
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{MinImageSize: 1}
}

// LoadImageFromURL downloads and loads an image from a URL
func (p *Processor) LoadImageFromURL(imageURL string) (image.Image, error) {
	// Validate URL
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequest("GET", imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", "Image-Retrieval/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %v", err)
	}

	return p.decodeImageFromBytes(imageData)
}

// LoadImage loads an image from a file path with WebP support. Unreadable
// or corrupt files yield an error wrapping types.ErrDecode.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path); err == nil {
		return p.checked(img, path)
	}

	// Fallback: explicit WebP decode
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDecode, err)
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".webp") {
		if img, err := webp.Decode(f); err == nil {
			return p.checked(img, path)
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return p.checked(img, path)
		}
	}
	return nil, fmt.Errorf("%w: unknown or corrupt image %s", types.ErrDecode, path)
}

// LoadImageFromReader loads an image from an io.Reader
func (p *Processor) LoadImageFromReader(reader io.Reader) (image.Image, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDecode, err)
	}
	return p.decodeImageFromBytes(data)
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(source)
	}
	return p.LoadImage(source)
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return p.checked(img, "image data")
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return p.checked(img, "image data")
	}
	return nil, fmt.Errorf("%w: unknown or unsupported format", types.ErrDecode)
}

func (p *Processor) checked(img image.Image, name string) (image.Image, error) {
	if err := p.ValidateImage(img); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return img, nil
}

// ValidateImage checks if an image meets minimum requirements
func (p *Processor) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	minSize := p.MinImageSize
	if minSize < 1 {
		minSize = 1
	}
	if bounds.Dx() < minSize || bounds.Dy() < minSize {
		return fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			types.ErrDecode, bounds.Dx(), bounds.Dy(), minSize)
	}
	return nil
}

// Normalize resizes an image to size x size with bilinear interpolation,
// ignoring the aspect ratio.
func (p *Processor) Normalize(img image.Image, size int) *image.NRGBA {
	return imaging.Resize(img, size, size, imaging.Linear)
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
}

// GetImageInfo returns basic information about an image
func (p *Processor) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{Width: width, Height: height, Area: width * height}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}
