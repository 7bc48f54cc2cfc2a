package render

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"github.com/nfnt/resize"
)

const (
	paletteWidth  = 700
	paletteHeight = 700

	// Generated flowers arrive at model-native sizes; both layers are
	// scaled down to the palette before compositing.
	maxFlowerSide = 460
	maxVaseWidth  = 340
	vaseOffsetY   = 120
)

// CompositeVase renders a raw generated flower onto a vase template and
// returns the combined image as PNG. The output is deterministic for the
// same inputs, so redelivered composition jobs overwrite the final asset
// with identical bytes.
func CompositeVase(rawFlower, vaseTemplate []byte) ([]byte, error) {
	flower, err := decode(rawFlower)
	if err != nil {
		return nil, fmt.Errorf("decode flower: %w", err)
	}
	vase, err := decode(vaseTemplate)
	if err != nil {
		return nil, fmt.Errorf("decode vase template: %w", err)
	}

	flower = shrinkToFit(flower, maxFlowerSide, maxFlowerSide)
	vase = shrinkToFit(vase, maxVaseWidth, paletteHeight-vaseOffsetY)

	palette := image.NewRGBA(image.Rect(0, 0, paletteWidth, paletteHeight))

	flowerPos := image.Pt((paletteWidth-flower.Bounds().Dx())/2, 0)
	draw.Draw(palette, flower.Bounds().Add(flowerPos), flower, flower.Bounds().Min, draw.Over)

	vasePos := image.Pt((paletteWidth-vase.Bounds().Dx())/2, vaseOffsetY)
	draw.Draw(palette, vase.Bounds().Add(vasePos), vase, vase.Bounds().Min, draw.Over)

	return encode(palette)
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// shrinkToFit scales img down to fit within (maxW, maxH), preserving
// aspect ratio. Images already within bounds are returned unchanged.
func shrinkToFit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}
	return resize.Thumbnail(uint(maxW), uint(maxH), img, resize.Lanczos3)
}
