// Package imaging validates uploaded images before they reach the recognition
// service, mirroring the preprocessing rules the service itself enforces so
// bad uploads fail fast without a network round trip.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// MaxImageBytes caps uploads at 10MB.
	MaxImageBytes = 10 * 1024 * 1024
	// MinSidePx is the shortest acceptable image side. Faces in anything
	// smaller are too degraded to embed.
	MinSidePx = 48
	// RefFaceSidePx is the reference face crop size used by quality scoring.
	RefFaceSidePx = 112
)

var (
	ErrTooLarge    = errors.New("image exceeds maximum size")
	ErrTooSmall    = errors.New("image below minimum dimensions")
	ErrUndecodable = errors.New("image could not be decoded")
)

// Info describes a validated image.
type Info struct {
	Width    int
	Height   int
	Format   string
	MIMEType string
}

// Validate checks size limits and decodability without decoding full pixel
// data. Returns image dimensions and format on success.
func Validate(data []byte) (*Info, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUndecodable)
	}
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), MaxImageBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if cfg.Width < MinSidePx || cfg.Height < MinSidePx {
		return nil, fmt.Errorf("%w: %dx%d (minimum side %d)", ErrTooSmall, cfg.Width, cfg.Height, MinSidePx)
	}

	return &Info{
		Width:    cfg.Width,
		Height:   cfg.Height,
		Format:   format,
		MIMEType: DetectMIMEType(data),
	}, nil
}

// FaceQuality estimates how usable a detected face is for embedding, in
// [0, 1]: 40% relative face area, 60% absolute face size against the
// reference crop side.
func FaceQuality(faceW, faceH, imageW, imageH int) float64 {
	if faceW <= 0 || faceH <= 0 || imageW <= 0 || imageH <= 0 {
		return 0
	}

	areaRatio := float64(faceW*faceH) / float64(imageW*imageH)
	if areaRatio > 1 {
		areaRatio = 1
	}

	minDim := faceW
	if faceH < minDim {
		minDim = faceH
	}
	sizeScore := float64(minDim) / RefFaceSidePx
	if sizeScore > 1 {
		sizeScore = 1
	}

	return 0.4*areaRatio + 0.6*sizeScore
}

// DetectMIMEType detects the MIME type from magic bytes.
func DetectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// GIF: 47 49 46 38
	if data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 {
		return "image/gif"
	}
	// WebP: 52 49 46 46 ... 57 45 42 50
	if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
		return "image/webp"
	}
	// BMP: 42 4D
	if data[0] == 0x42 && data[1] == 0x4D {
		return "image/bmp"
	}
	return "application/octet-stream"
}
