package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

const (
	bouquetWidth  = 800
	bouquetHeight = 400
	maxStemSide   = 220
)

// ErrNoFlowers is returned when a bouquet has nothing to compose.
var ErrNoFlowers = errors.New("no flowers to compose")

// bouquetLayouts maps flower count to paste positions on the canvas,
// fanned out left to right. Partial weeks use the smaller layouts.
var bouquetLayouts = [8][][2]int{
	1: {{290, 90}},
	2: {{190, 90}, {390, 90}},
	3: {{120, 110}, {290, 60}, {460, 110}},
	4: {{80, 120}, {230, 60}, {380, 60}, {530, 120}},
	5: {{60, 130}, {190, 70}, {320, 40}, {450, 70}, {580, 130}},
	6: {{40, 140}, {160, 80}, {280, 40}, {400, 40}, {520, 80}, {640, 140}},
	7: {{20, 150}, {130, 95}, {240, 50}, {350, 30}, {460, 50}, {570, 95}, {680, 150}},
}

// ComposeBouquet arranges up to seven daily flower images (Monday first)
// into one bouquet image and returns it as PNG. Missing days are simply
// absent from the input; at least one flower is required.
func ComposeBouquet(flowers [][]byte) ([]byte, error) {
	if len(flowers) == 0 {
		return nil, ErrNoFlowers
	}
	if len(flowers) > 7 {
		return nil, fmt.Errorf("at most 7 flowers per bouquet, got %d", len(flowers))
	}

	canvas := image.NewRGBA(image.Rect(0, 0, bouquetWidth, bouquetHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	positions := bouquetLayouts[len(flowers)]
	for i, data := range flowers {
		flower, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode flower %d: %w", i, err)
		}
		flower = shrinkToFit(flower, maxStemSide, maxStemSide)
		pos := image.Pt(positions[i][0], positions[i][1])
		draw.Draw(canvas, flower.Bounds().Add(pos), flower, flower.Bounds().Min, draw.Over)
	}
	return encode(canvas)
}
