package internal

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Placeholder detection tuning. Provider "no cover available" images are
// overwhelmingly white and tend to be square-ish; real covers are portrait.
const (
	_whiteRatioLimit = 0.92
	_minAspect       = 0.4
	_maxAspect       = 0.9
	_sampleGrid      = 32
)

type imageInfo struct {
	width, height     int
	placeholder       bool
	placeholderReason string
}

// inspectImage reads dimensions cheaply via DecodeConfig, then fully decodes
// to run the placeholder heuristics: near-white pixel ratio over a sample
// grid, and width/height aspect outside the plausible book-cover band.
func inspectImage(data []byte) (imageInfo, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return imageInfo{}, errors.Join(errCorrupt, err)
	}
	info := imageInfo{width: cfg.Width, height: cfg.Height}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return info, errors.Join(errCorrupt, errors.New("degenerate dimensions"))
	}

	aspect := float64(cfg.Width) / float64(cfg.Height)
	if aspect < _minAspect || aspect > _maxAspect {
		info.placeholder = true
		info.placeholderReason = fmt.Sprintf("aspect ratio %.2f outside %.1f-%.1f", aspect, _minAspect, _maxAspect)
		return info, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return info, errors.Join(errCorrupt, err)
	}
	if ratio := whiteRatio(img); ratio >= _whiteRatioLimit {
		info.placeholder = true
		info.placeholderReason = fmt.Sprintf("white ratio %.2f", ratio)
	}
	return info, nil
}

// whiteRatio samples the image on a fixed grid and reports the fraction of
// near-white pixels. Sampling keeps the cost flat regardless of image size.
func whiteRatio(img image.Image) float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 1
	}

	stepX, stepY := w/_sampleGrid, h/_sampleGrid
	if stepX == 0 {
		stepX = 1
	}
	if stepY == 0 {
		stepY = 1
	}

	var total, white int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			total++
			// 16-bit channels; ~94% of full scale counts as white.
			if r > 0xf000 && g > 0xf000 && b > 0xf000 {
				white++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(white) / float64(total)
}
