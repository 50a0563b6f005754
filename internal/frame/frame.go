// Package frame holds the pixel buffer passed between the camera drivers,
// the preview loop and the recorder.
package frame

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Channels is the number of bytes per pixel (B, G, R).
const Channels = 3

// Frame is a packed BGR pixel buffer, row stride Width*Channels.
// A frame lives for one preview tick; nothing keeps a reference to it afterwards.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// New allocates a black frame of the given size.
func New(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*Channels),
	}
}

// Valid reports whether the buffer matches the declared dimensions.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*Channels
}

// Size returns the frame dimensions as "WxH".
func (f *Frame) Size() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// SameSize reports whether the frame has exactly the given dimensions.
func (f *Frame) SameSize(width, height int) bool {
	return f.Width == width && f.Height == height
}

// RGBA converts the BGR buffer to an RGB image for display.
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*f.Width*Channels : (y+1)*f.Width*Channels]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			dst[x*4+0] = src[x*Channels+2]
			dst[x*4+1] = src[x*Channels+1]
			dst[x*4+2] = src[x*Channels+0]
			dst[x*4+3] = 0xff
		}
	}
	return img
}

// FromImage converts any image into a BGR frame.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	f := New(b.Dx(), b.Dy())
	for y := 0; y < f.Height; y++ {
		src := rgba.Pix[y*rgba.Stride : y*rgba.Stride+f.Width*4]
		dst := f.Pix[y*f.Width*Channels : (y+1)*f.Width*Channels]
		for x := 0; x < f.Width; x++ {
			dst[x*Channels+0] = src[x*4+2]
			dst[x*Channels+1] = src[x*4+1]
			dst[x*Channels+2] = src[x*4+0]
		}
	}
	return f
}

// Resize returns a copy of the frame scaled to exactly width x height.
// If the frame already has those dimensions it is returned as is.
func (f *Frame) Resize(width, height int) *Frame {
	if f.SameSize(width, height) {
		return f
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), f.RGBA(), image.Rect(0, 0, f.Width, f.Height), draw.Src, nil)
	return FromImage(dst)
}

// Scale resizes an image to width x height for display.
func Scale(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// FitWithin returns the largest dimensions with the source aspect ratio that
// fit inside maxWidth x maxHeight. The result is never larger than the source.
// A zero limit means that axis is unconstrained.
func FitWithin(srcWidth, srcHeight, maxWidth, maxHeight int) (width, height int) {
	width, height = srcWidth, srcHeight
	if srcWidth <= 0 || srcHeight <= 0 {
		return 0, 0
	}

	if maxWidth > 0 && width > maxWidth {
		height = height * maxWidth / width
		width = maxWidth
	}
	if maxHeight > 0 && height > maxHeight {
		width = width * maxHeight / height
		height = maxHeight
	}

	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return width, height
}
