package frame

import (
	"errors"
	"fmt"
)

// BytesPerPixel is the size of one packed RGB24 pixel.
const BytesPerPixel = 3

// MaxDimension bounds width and height accepted from the wire.
const MaxDimension = 16384

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one rendered RGB24 image, packed row-major. A Frame is never
// mutated after it has been handed to an encoder.
type Frame struct {
	Data   []byte
	Width  uint32
	Height uint32
}

// New wraps data as a Frame and checks that it matches the dimensions.
func New(width, height uint32, data []byte) (Frame, error) {
	f := Frame{Data: data, Width: width, Height: height}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Size returns the number of bytes a width x height RGB24 buffer occupies.
func Size(width, height uint32) int {
	return int(width) * int(height) * BytesPerPixel
}

func (f Frame) Validate() error {
	if f.Width == 0 || f.Height == 0 {
		return fmt.Errorf("%w: zero dimension %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if f.Width > MaxDimension || f.Height > MaxDimension {
		return fmt.Errorf("%w: dimension %dx%d exceeds %d", ErrInvalidFrame, f.Width, f.Height, MaxDimension)
	}
	if want := Size(f.Width, f.Height); len(f.Data) != want {
		return fmt.Errorf("%w: %d bytes for %dx%d, want %d", ErrInvalidFrame, len(f.Data), f.Width, f.Height, want)
	}
	return nil
}

// Region is a rectangle inside a frame, in pixels.
type Region struct {
	X      uint32 `toml:"x"`
	Y      uint32 `toml:"y"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

func (r Region) Empty() bool {
	return r.Width == 0 || r.Height == 0
}

// Crop copies the region r out of f. The returned frame owns its buffer.
func (f Frame) Crop(r Region) (Frame, error) {
	if r.Empty() {
		return Frame{}, fmt.Errorf("%w: empty region", ErrInvalidFrame)
	}
	if uint64(r.X)+uint64(r.Width) > uint64(f.Width) || uint64(r.Y)+uint64(r.Height) > uint64(f.Height) {
		return Frame{}, fmt.Errorf("%w: region %+v outside %dx%d", ErrInvalidFrame, r, f.Width, f.Height)
	}
	out := make([]byte, Size(r.Width, r.Height))
	srcStride := int(f.Width) * BytesPerPixel
	dstStride := int(r.Width) * BytesPerPixel
	for row := 0; row < int(r.Height); row++ {
		src := (int(r.Y)+row)*srcStride + int(r.X)*BytesPerPixel
		copy(out[row*dstStride:(row+1)*dstStride], f.Data[src:src+dstStride])
	}
	return Frame{Data: out, Width: r.Width, Height: r.Height}, nil
}
