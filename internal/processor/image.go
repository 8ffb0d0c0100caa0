package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"sort"

	"github.com/bbrks/go-blurhash"
	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/tonefield/mediad/internal/media"
)

// ImageConfig controls the derivative ladder and encoder quality.
type ImageConfig struct {
	// VariantWidths is the resize ladder; widths at or above the source
	// width are skipped (no upscaling).
	VariantWidths []int
	// WebPQuality is the lossy encoder quality in (0, 100].
	WebPQuality int
}

// ImageProcessor generates WebP renditions plus blurhash and dominant color.
type ImageProcessor struct {
	widths  []int
	quality float32
}

// NewImage constructs an ImageProcessor.
func NewImage(cfg ImageConfig) *ImageProcessor {
	widths := append([]int(nil), cfg.VariantWidths...)
	sort.Ints(widths)
	quality := float32(cfg.WebPQuality)
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &ImageProcessor{widths: widths, quality: quality}
}

// Process decodes the original, extracts metadata, and renders the ladder.
func (p *ImageProcessor) Process(ctx context.Context, m media.Media, original []byte) (media.ProcessResult, error) {
	src, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return media.ProcessResult{}, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return media.ProcessResult{}, fmt.Errorf("decode image: zero dimensions")
	}

	// Blurhash and dominant color work on a small thumbnail; encoding them
	// from the full frame is wasted work at identical fidelity.
	thumb := scaleToWidth(src, min(srcW, 64))
	hash, err := blurhash.Encode(4, 3, thumb)
	if err != nil {
		return media.ProcessResult{}, fmt.Errorf("encode blurhash: %w", err)
	}

	meta := &media.ImageMeta{
		Width:         srcW,
		Height:        srcH,
		Blurhash:      hash,
		DominantColor: averageColor(thumb),
	}

	var variants []media.DerivedObject
	for _, w := range p.widths {
		if w >= srcW {
			continue
		}
		if err := ctx.Err(); err != nil {
			return media.ProcessResult{}, fmt.Errorf("resize canceled: %w", err)
		}
		obj, err := p.renderVariant(src, w)
		if err != nil {
			return media.ProcessResult{}, err
		}
		variants = append(variants, obj)
	}
	// A source narrower than the whole ladder still gets one rendition at
	// its own width so consumers always have a WebP derivative.
	if len(variants) == 0 {
		obj, err := p.renderVariant(src, srcW)
		if err != nil {
			return media.ProcessResult{}, err
		}
		variants = append(variants, obj)
	}

	return media.ProcessResult{Image: meta, Variants: variants}, nil
}

func (p *ImageProcessor) renderVariant(src image.Image, width int) (media.DerivedObject, error) {
	scaled := scaleToWidth(src, width)
	data, err := webp.EncodeRGBA(scaled, p.quality)
	if err != nil {
		return media.DerivedObject{}, fmt.Errorf("encode webp w%d: %w", width, err)
	}
	b := scaled.Bounds()
	return media.DerivedObject{
		Label:       fmt.Sprintf("w%d", width),
		Width:       b.Dx(),
		Height:      b.Dy(),
		ContentType: "image/webp",
		Ext:         ".webp",
		Data:        data,
	}, nil
}

// scaleToWidth resizes preserving aspect ratio using CatmullRom.
func scaleToWidth(src image.Image, width int) *image.RGBA {
	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if width <= 0 {
		width = srcW
	}
	height := int(float64(srcH) * float64(width) / float64(srcW))
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}

// averageColor computes the mean RGB over the frame as a #rrggbb hex string.
func averageColor(img *image.RGBA) string {
	bounds := img.Bounds()
	var r, g, b, n uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			i := img.PixOffset(x, y)
			r += uint64(img.Pix[i])
			g += uint64(img.Pix[i+1])
			b += uint64(img.Pix[i+2])
			n++
		}
	}
	if n == 0 {
		return "#000000"
	}
	return fmt.Sprintf("#%02x%02x%02x", r/n, g/n, b/n)
}
