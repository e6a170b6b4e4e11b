// Package source produces images for the media pump. The pattern
// generator stands in for a capture device.
package source

import (
	"errors"
	"fmt"

	"github.com/danmuck/flydragon/internal/protocol"
)

const (
	IconWidth  = 32
	IconHeight = 32
)

var ErrInvalidSize = errors.New("source: invalid image size")

// Source yields the next frame to publish.
type Source interface {
	Next() (protocol.Image, error)
}

// Pattern draws a scrolling color gradient with a crosshair so motion and
// scaling are visible on the far end.
type Pattern struct {
	width  int32
	height int32
	seq    uint32
}

func NewPattern(width, height int32) (*Pattern, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	return &Pattern{width: width, height: height}, nil
}

func (p *Pattern) Next() (protocol.Image, error) {
	w, h := int(p.width), int(p.height)
	pix := make([]byte, w*h*protocol.BytesPerPixel)
	shift := int(p.seq)
	cx, cy := (shift*3)%w, (shift*2)%h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * protocol.BytesPerPixel
			// RGB32 is stored little-endian as B, G, R, 0xff.
			pix[i+0] = byte((x + shift) * 255 / w)
			pix[i+1] = byte((y + shift) * 255 / h)
			pix[i+2] = byte(shift)
			pix[i+3] = 0xff
			if x == cx || y == cy {
				pix[i+0], pix[i+1], pix[i+2] = 0xff, 0xff, 0xff
			}
		}
	}
	p.seq++
	return protocol.Image{Width: p.width, Height: p.height, Pix: pix}, nil
}

// Scale resizes img with nearest-neighbour sampling.
func Scale(img protocol.Image, width, height int32) (protocol.Image, error) {
	if width <= 0 || height <= 0 {
		return protocol.Image{}, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if !img.Valid() || img.Width == 0 || img.Height == 0 {
		return protocol.Image{}, fmt.Errorf("%w: source %dx%d with %d bytes", protocol.ErrInvalidImage, img.Width, img.Height, len(img.Pix))
	}
	const bpp = protocol.BytesPerPixel
	sw, sh := int(img.Width), int(img.Height)
	dw, dh := int(width), int(height)
	pix := make([]byte, dw*dh*bpp)
	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			copy(pix[(y*dw+x)*bpp:(y*dw+x+1)*bpp], img.Pix[(sy*sw+sx)*bpp:])
		}
	}
	return protocol.Image{Width: width, Height: height, Pix: pix}, nil
}

// Icon is Scale to the 32x32 thumbnail size.
func Icon(img protocol.Image) (protocol.Image, error) {
	return Scale(img, IconWidth, IconHeight)
}
