// Package display renders a viewer session in an ebiten window.
package display

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/text"
	"golang.org/x/image/font/basicfont"

	"strzcam.com/framecast/viewer"
)

var background = color.RGBA{R: 10, G: 10, B: 12, A: 255}

// Window implements viewer.Display. The viewer session feeds it from its
// own goroutine; ebiten reads it on the main one.
type Window struct {
	title         string
	width, height int

	mu         sync.Mutex
	waiting    string
	pending    *image.RGBA
	resizeTo   image.Point
	resizeWant bool

	texture *ebiten.Image
	ctx     context.Context
}

var _ viewer.Display = (*Window)(nil)

func New(title string, width, height int) *Window {
	return &Window{title: title, width: width, height: height}
}

func (w *Window) ShowWaiting(target string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waiting = fmt.Sprintf("Waiting for stream at %s ...", target)
}

func (w *Window) Resize(width, height int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resizeTo = image.Pt(width, height)
	w.resizeWant = true
}

// ShowFrame keeps only the newest frame; older ones not yet drawn are
// replaced.
func (w *Window) ShowFrame(img *image.RGBA) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waiting = ""
	w.pending = img
}

// Run opens the window and blocks until it is closed, Esc or Q is pressed,
// or ctx is done. It must be called from the main goroutine.
func (w *Window) Run(ctx context.Context) error {
	w.ctx = ctx
	ebiten.SetWindowTitle(w.title)
	ebiten.SetWindowSize(w.width, w.height)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	return ebiten.RunGame(w)
}

func (w *Window) Update() error {
	if w.ctx != nil && w.ctx.Err() != nil {
		return ebiten.Termination
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) || inpututil.IsKeyJustPressed(ebiten.KeyQ) {
		return ebiten.Termination
	}

	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	resize, want := w.resizeTo, w.resizeWant
	w.resizeWant = false
	w.mu.Unlock()

	if want {
		ebiten.SetWindowSize(resize.X, resize.Y)
	}
	if pending != nil {
		w.upload(pending)
	}
	return nil
}

func (w *Window) upload(img *image.RGBA) {
	size := img.Bounds().Size()
	if w.texture == nil || w.texture.Bounds().Size() != size {
		if w.texture != nil {
			w.texture.Deallocate()
		}
		w.texture = ebiten.NewImage(size.X, size.Y)
	}
	w.texture.WritePixels(img.Pix)
}

func (w *Window) Draw(screen *ebiten.Image) {
	screen.Fill(background)

	w.mu.Lock()
	waiting := w.waiting
	w.mu.Unlock()

	bounds := screen.Bounds()
	if waiting != "" || w.texture == nil {
		if waiting == "" {
			waiting = "Connecting ..."
		}
		face := basicfont.Face7x13
		x := (bounds.Dx() - len(waiting)*face.Advance) / 2
		y := bounds.Dy() / 2
		text.Draw(screen, waiting, face, max(8, x), y, color.RGBA{R: 200, G: 200, B: 210, A: 255})
		return
	}

	src := w.texture.Bounds().Size()
	p := viewer.Fit(src.X, src.Y, bounds.Dx(), bounds.Dy())
	op := &ebiten.DrawImageOptions{Filter: ebiten.FilterLinear}
	op.GeoM.Scale(float64(p.Width)/float64(src.X), float64(p.Height)/float64(src.Y))
	op.GeoM.Translate(float64(p.X), float64(p.Y))
	screen.DrawImage(w.texture, op)
}

func (w *Window) Layout(outsideWidth, outsideHeight int) (int, int) {
	return outsideWidth, outsideHeight
}
