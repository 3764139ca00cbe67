package frame

import (
	"image"
	"image/color"
	"image/draw"
)

// ToRGBA expands the packed RGB buffer into an opaque RGBA image.
func (f Frame) ToRGBA() *image.RGBA {
	width := int(f.Width)
	height := int(f.Height)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := f.Data[y*width*BytesPerPixel : (y+1)*width*BytesPerPixel]
		dst := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 255
		}
	}
	return img
}

// FromImage packs any image into an RGB24 frame, dropping alpha.
func FromImage(img image.Image) (Frame, error) {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	width, height := rgba.Bounds().Dx(), rgba.Bounds().Dy()
	data := make([]byte, width*height*BytesPerPixel)
	for y := 0; y < height; y++ {
		src := rgba.Pix[y*rgba.Stride:]
		dst := data[y*width*BytesPerPixel:]
		for x := 0; x < width; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return New(uint32(width), uint32(height), data)
}

// Solid returns a frame filled with c.
func Solid(width, height uint32, c color.RGBA) Frame {
	data := make([]byte, Size(width, height))
	for i := 0; i < len(data); i += BytesPerPixel {
		data[i] = c.R
		data[i+1] = c.G
		data[i+2] = c.B
	}
	return Frame{Data: data, Width: width, Height: height}
}

// Pattern renders a test card for tick: a scrolling gradient with a square
// bouncing across it. The output depends only on its arguments.
func Pattern(width, height uint32, tick int) Frame {
	w, h := int(width), int(height)
	data := make([]byte, Size(width, height))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * BytesPerPixel
			data[i] = uint8((x + tick) * 255 / max(w, 1))
			data[i+1] = uint8(y * 255 / max(h, 1))
			data[i+2] = uint8(tick)
		}
	}

	side := min(w, h) / 6
	if side == 0 {
		return Frame{Data: data, Width: width, Height: height}
	}
	bx := bounce(tick*3, w-side)
	by := bounce(tick*2, h-side)
	for y := by; y < by+side; y++ {
		for x := bx; x < bx+side; x++ {
			i := (y*w + x) * BytesPerPixel
			data[i], data[i+1], data[i+2] = 255, 255, 255
		}
	}
	return Frame{Data: data, Width: width, Height: height}
}

func bounce(pos, span int) int {
	if span <= 0 {
		return 0
	}
	p := pos % (2 * span)
	if p > span {
		return 2*span - p
	}
	return p
}
