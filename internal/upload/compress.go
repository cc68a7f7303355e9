package upload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	_ "image/gif"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const MaxDimension = 1920

// MaxDecodePixels bounds the images Compress will decode. The header is
// checked before any pixel buffer is allocated.
const MaxDecodePixels = 50_000_000

var ErrTooManyPixels = errors.New("image dimensions exceed decode limit")

var jpegQualities = []int{85, 75, 60, 45}

// Compress downsizes an image so its longest side is at most MaxDimension and
// re-encodes it aiming for target bytes. GIFs and payloads already under
// target are returned unchanged. PNG stays PNG; everything else becomes JPEG.
func Compress(data []byte, contentType string, target int64) ([]byte, string, error) {
	if contentType == "image/gif" || int64(len(data)) <= target {
		return data, contentType, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxDecodePixels {
		return nil, "", fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	img := resize(src, MaxDimension)

	if contentType == "image/png" {
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return smaller(data, contentType, buf.Bytes(), "image/png")
	}

	var best []byte
	for _, q := range jpegQualities {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, "", err
		}
		best = buf.Bytes()
		if int64(len(best)) <= target {
			break
		}
	}
	if best == nil {
		return nil, "", errors.New("no encoding produced")
	}
	return smaller(data, contentType, best, "image/jpeg")
}

func smaller(orig []byte, origType string, out []byte, outType string) ([]byte, string, error) {
	if len(out) >= len(orig) {
		return orig, origType, nil
	}
	return out, outType, nil
}

func resize(src image.Image, maxSide int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return src
	}
	if w >= h {
		h = h * maxSide / w
		w = maxSide
	} else {
		w = w * maxSide / h
		h = maxSide
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
