package splat

import (
	"image"
	"image/color"

	"github.com/chewxy/math32"
)

// Image is a float RGBA image. Color channels are premultiplied by alpha
// when rendered over a black background.
type Image struct {
	Width, Height int

	// Pix holds 4 floats per pixel, row major.
	Pix []float32
}

// NewImage returns a transparent image.
func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]float32, width*height*4)}
}

// At returns the RGBA value of pixel (x, y).
func (m *Image) At(x, y int) [4]float32 {
	i := (y*m.Width + x) * 4
	return [4]float32{m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3]}
}

// RGBA converts the color channels to an opaque 8-bit image. Rendered
// colors already include the background, so alpha is dropped.
func (m *Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	to8 := func(v float32) uint8 {
		return uint8(math32.Floor(min(max(v, 0), 1)*255 + 0.5))
	}
	for y := range m.Height {
		for x := range m.Width {
			p := m.At(x, y)
			out.SetRGBA(x, y, color.RGBA{R: to8(p[0]), G: to8(p[1]), B: to8(p[2]), A: 0xff})
		}
	}
	return out
}

// FromRGBA converts an image to float RGBA with color premultiplied by
// alpha, the form used for training targets.
func FromRGBA(src image.Image) *Image {
	b := src.Bounds()
	m := NewImage(b.Dx(), b.Dy())
	for y := range m.Height {
		for x := range m.Width {
			r, g, bl, a := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*m.Width + x) * 4
			m.Pix[i] = float32(r) / 0xffff
			m.Pix[i+1] = float32(g) / 0xffff
			m.Pix[i+2] = float32(bl) / 0xffff
			m.Pix[i+3] = float32(a) / 0xffff
		}
	}
	return m
}
