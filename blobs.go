package blogapp

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

const (
	maxImageWidth = 1080
	jpegQuality   = 80
	maxUploadSize = 10 << 20 // 10MB

	blogImagesDir    = "blog_images"
	profileImagesDir = "profile_images"
)

// BlobStore stores uploaded images and returns a public URL for them.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte) (string, error)
}

// BlogImagePath returns a fresh object path for a post image.
func BlogImagePath() string {
	return blogImagesDir + "/" + uuid.NewString()
}

// ProfileImagePath returns the fixed avatar path of a user. Uploading to it
// replaces the previous avatar.
func ProfileImagePath(userID string) string {
	return profileImagesDir + "/" + userID + ".jpg"
}

// DiskBlobs keeps blobs under a local directory served at baseURL.
type DiskBlobs struct {
	dir     string
	baseURL string
}

// NewDiskBlobs returns a BlobStore writing into dir.
func NewDiskBlobs(dir, baseURL string) *DiskBlobs {
	return &DiskBlobs{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Dir is the directory blobs are written to.
func (b *DiskBlobs) Dir() string {
	return b.dir
}

// Upload normalizes the image to a JPEG no wider than maxImageWidth and
// writes it to p, replacing any previous object. The returned URL carries
// a version so clients refetch overwritten avatars.
func (b *DiskBlobs) Upload(_ context.Context, p string, data []byte) (string, error) {
	clean := path.Clean(p)
	if clean != p || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "..") {
		return "", invalid("path", "must be a clean relative path")
	}
	dir, _, _ := strings.Cut(clean, "/")
	if dir != blogImagesDir && dir != profileImagesDir {
		return "", invalid("path", "must be under "+blogImagesDir+" or "+profileImagesDir)
	}
	if len(data) > maxUploadSize {
		return "", invalid("image", "is too large (max 10MB)")
	}
	encoded, err := processImage(data)
	if err != nil {
		return "", invalid("image", err.Error())
	}

	dst := filepath.Join(b.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write blob: %w", err)
	}
	return fmt.Sprintf("%s/%s?v=%d", b.baseURL, clean, time.Now().UnixMilli()), nil
}

// processImage decodes an image, resizes it to maxImageWidth when wider, and
// encodes it as JPEG.
func processImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxImageWidth {
		newH := h * maxImageWidth / w
		dst := image.NewRGBA(image.Rect(0, 0, maxImageWidth, newH))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
