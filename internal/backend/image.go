package backend

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"

	"github.com/aweris/imageopt"
)

// JPEG re-encodes JPEG images. Options: quality (1-100, default 75).
type JPEG struct{}

const defaultJPEGQuality = 75

func (JPEG) Name() string { return "jpeg" }

func (JPEG) Compress(ctx context.Context, input []byte, cfg imageopt.Config) ([]byte, error) {
	quality, err := intOption(cfg, "quality", defaultJPEGQuality)
	if err != nil {
		return nil, err
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("option quality: %d out of range 1-100", quality)
	}

	return withContext(ctx, func() ([]byte, error) {
		img, err := jpeg.Decode(bytes.NewReader(input))
		if err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		return smaller(input, buf.Bytes()), nil
	})
}

// PNG re-encodes PNG images losslessly.
// Options: level (default, speed, best, none; default "best").
type PNG struct{}

func (PNG) Name() string { return "png" }

func (PNG) Compress(ctx context.Context, input []byte, cfg imageopt.Config) ([]byte, error) {
	name, err := stringOption(cfg, "level", "best")
	if err != nil {
		return nil, err
	}
	level, err := pngLevel(name)
	if err != nil {
		return nil, err
	}

	return withContext(ctx, func() ([]byte, error) {
		img, err := png.Decode(bytes.NewReader(input))
		if err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: level}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		return smaller(input, buf.Bytes()), nil
	})
}

func pngLevel(name string) (png.CompressionLevel, error) {
	switch name {
	case "default":
		return png.DefaultCompression, nil
	case "speed":
		return png.BestSpeed, nil
	case "best":
		return png.BestCompression, nil
	case "none":
		return png.NoCompression, nil
	default:
		return 0, fmt.Errorf("option level: unknown png level %q", name)
	}
}

// smaller returns encoded unless it failed to beat the original.
func smaller(original, encoded []byte) []byte {
	if len(encoded) == 0 || len(encoded) >= len(original) {
		return original
	}
	return encoded
}
