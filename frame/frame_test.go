package frame

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesLength(t *testing.T) {
	_, err := New(2, 2, make([]byte, 12))
	assert.NoError(t, err)

	_, err = New(2, 2, make([]byte, 11))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = New(MaxDimension+1, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestSolidIsAllRed(t *testing.T) {
	f := Solid(64, 48, color.RGBA{R: 255})
	require.Len(t, f.Data, 64*48*3)
	for i := 0; i < len(f.Data); i += 3 {
		if f.Data[i] != 255 || f.Data[i+1] != 0 || f.Data[i+2] != 0 {
			t.Fatalf("pixel %d is %v", i/3, f.Data[i:i+3])
		}
	}
}

func TestCrop(t *testing.T) {
	f := Pattern(10, 8, 4)
	sub, err := f.Crop(Region{X: 2, Y: 3, Width: 4, Height: 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), sub.Width)
	assert.Equal(t, uint32(2), sub.Height)
	require.NoError(t, sub.Validate())

	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			src := ((3+y)*10 + 2 + x) * 3
			dst := (y*4 + x) * 3
			assert.Equal(t, f.Data[src:src+3], sub.Data[dst:dst+3])
		}
	}
}

func TestCropOutOfBounds(t *testing.T) {
	f := Pattern(10, 8, 0)
	_, err := f.Crop(Region{X: 8, Y: 0, Width: 4, Height: 2})
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = f.Crop(Region{})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestToRGBA(t *testing.T) {
	f := Solid(3, 2, color.RGBA{R: 10, G: 20, B: 30})
	img := f.ToRGBA()
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, img.RGBAAt(2, 1))
}

func TestFromImageRoundTrip(t *testing.T) {
	f := Pattern(16, 9, 12)
	back, err := FromImage(f.ToRGBA())
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestFromImageOffsetBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(5, 5, 7, 6))
	img.SetRGBA(6, 5, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	f, err := FromImage(img)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f.Width)
	assert.Equal(t, uint32(1), f.Height)
	assert.Equal(t, []byte{0, 0, 0, 1, 2, 3}, f.Data)
}

func TestPatternIsDeterministic(t *testing.T) {
	assert.Equal(t, Pattern(40, 30, 5), Pattern(40, 30, 5))
	assert.NotEqual(t, Pattern(40, 30, 5).Data, Pattern(40, 30, 6).Data)
	assert.NoError(t, Pattern(1, 1, 0).Validate())
}
