package tile

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"sync"

	"golang.org/x/image/vector"
)

// Tool selects the compositing rule of a paint operation.
type Tool uint8

const (
	ToolDraw  Tool = 0
	ToolErase Tool = 1
)

// kappa places cubic control points for a quarter circle.
const kappa = 0.5522847498

var ErrImageSize = errors.New("image size does not match tile")

// Snapshot is a point-in-time encoding of a tile.
type Snapshot struct {
	Version uint64
	PNG     []byte
}

// Tile is a fixed-size RGBA canvas with a version counter. Every Apply
// mutates pixels and bumps the version inside one write critical section.
type Tile struct {
	mu      sync.RWMutex
	pix     *image.RGBA
	version uint64

	// scratch space for Apply, guarded by mu
	raster *vector.Rasterizer
	mask   *image.Alpha
}

func New(width, height int) *Tile {
	return &Tile{
		pix:    image.NewRGBA(image.Rect(0, 0, width, height)),
		raster: vector.NewRasterizer(0, 0),
		mask:   &image.Alpha{},
	}
}

func (t *Tile) Bounds() image.Rectangle {
	return t.pix.Rect // never reassigned
}

func (t *Tile) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Apply composites every (x, y, radius, alpha) quadruple of dabs as a filled
// circle and returns the new version. A trailing partial quadruple is
// ignored; dabs whose geometry cannot be rasterized are skipped.
func (t *Tile) Apply(tool Tool, dabs []float32) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i+4 <= len(dabs); i += 4 {
		t.applyDab(tool, dabs[i], dabs[i+1], dabs[i+2], dabs[i+3])
	}
	t.version++
	return t.version
}

func (t *Tile) applyDab(tool Tool, x, y, r, a float32) {
	fx, fy, fr, fa := float64(x), float64(y), float64(r), float64(a)
	if !finite(fx) || !finite(fy) || !finite(fr) || !finite(fa) || fr <= 0 || fa <= 0 {
		return
	}
	if fa > 1 {
		fa = 1
	}

	box := dabBounds(fx, fy, fr, t.pix.Rect)
	if box.Empty() {
		return
	}
	var mask *image.Alpha
	if diag := math.Hypot(float64(box.Dx()), float64(box.Dy())); fr > diag {
		// the rasterizer flattens curves into segments proportional to r
		mask = t.wideCoverage(box, fx, fy, fr)
	} else {
		mask = t.coverage(box, float32(fx)-float32(box.Min.X), float32(fy)-float32(box.Min.Y), r)
	}
	alpha := uint32(math.Round(fa * 255))

	if tool == ToolErase {
		t.destinationOut(box, mask, alpha)
		return
	}
	src := image.NewUniform(color.NRGBA{A: uint8(alpha)})
	draw.DrawMask(t.pix, box, src, image.Point{}, mask, image.Point{}, draw.Over)
}

// resetMask sizes the reusable mask to box.
func (t *Tile) resetMask(box image.Rectangle) *image.Alpha {
	w, h := box.Dx(), box.Dy()
	if cap(t.mask.Pix) < w*h {
		t.mask.Pix = make([]uint8, w*h)
	}
	t.mask.Pix = t.mask.Pix[:w*h]
	t.mask.Stride = w
	t.mask.Rect = image.Rect(0, 0, w, h)
	return t.mask
}

// coverage rasterizes a circle centred at (cx, cy), relative to box.Min, into
// the reusable mask.
func (t *Tile) coverage(box image.Rectangle, cx, cy, r float32) *image.Alpha {
	w, h := box.Dx(), box.Dy()
	t.resetMask(box)

	z := t.raster
	z.Reset(w, h)
	z.DrawOp = draw.Src
	k := r * kappa
	z.MoveTo(cx+r, cy)
	z.CubeTo(cx+r, cy+k, cx+k, cy+r, cx, cy+r)
	z.CubeTo(cx-k, cy+r, cx-r, cy+k, cx-r, cy)
	z.CubeTo(cx-r, cy-k, cx-k, cy-r, cx, cy-r)
	z.CubeTo(cx+k, cy-r, cx+r, cy-k, cx+r, cy)
	z.ClosePath()
	z.Draw(t.mask, t.mask.Rect, image.Opaque, image.Point{})
	return t.mask
}

// wideCoverage handles circles larger than box's diagonal. At that size the
// edge is nearly straight across a pixel, so coverage is the clamped signed
// distance from each pixel centre to the rim.
func (t *Tile) wideCoverage(box image.Rectangle, cx, cy, r float64) *image.Alpha {
	mask := t.resetMask(box)

	farX := math.Max(math.Abs(float64(box.Min.X)-cx), math.Abs(float64(box.Max.X)-cx))
	farY := math.Max(math.Abs(float64(box.Min.Y)-cy), math.Abs(float64(box.Max.Y)-cy))
	if math.Hypot(farX, farY) <= r {
		for i := range mask.Pix {
			mask.Pix[i] = 0xff
		}
		return mask
	}

	for y := box.Min.Y; y < box.Max.Y; y++ {
		row := (y - box.Min.Y) * mask.Stride
		py := float64(y) + 0.5 - cy
		for x := box.Min.X; x < box.Max.X; x++ {
			d := r - math.Hypot(float64(x)+0.5-cx, py) + 0.5
			mask.Pix[row+x-box.Min.X] = uint8(math.Round(255 * math.Max(0, math.Min(1, d))))
		}
	}
	return mask
}

// destinationOut scales the premultiplied destination by (1 - coverage*alpha).
func (t *Tile) destinationOut(box image.Rectangle, mask *image.Alpha, alpha uint32) {
	for y := box.Min.Y; y < box.Max.Y; y++ {
		row := t.pix.PixOffset(box.Min.X, y)
		mrow := (y - box.Min.Y) * mask.Stride
		for x := 0; x < box.Dx(); x++ {
			cov := mul255(uint32(mask.Pix[mrow+x]), alpha)
			if cov == 0 {
				continue
			}
			keep := 255 - cov
			p := t.pix.Pix[row+4*x : row+4*x+4 : row+4*x+4]
			p[0] = uint8(mul255(uint32(p[0]), keep))
			p[1] = uint8(mul255(uint32(p[1]), keep))
			p[2] = uint8(mul255(uint32(p[2]), keep))
			p[3] = uint8(mul255(uint32(p[3]), keep))
		}
	}
}

// Snapshot copies the pixels and version under the read lock, then encodes
// the copy as PNG outside of it.
func (t *Tile) Snapshot() (Snapshot, error) {
	t.mu.RLock()
	version := t.version
	frame := image.NewRGBA(t.pix.Rect)
	copy(frame.Pix, t.pix.Pix)
	t.mu.RUnlock()

	var buf bytes.Buffer
	if err := encoder.Encode(&buf, frame); err != nil {
		return Snapshot{}, fmt.Errorf("encode tile: %w", err)
	}
	return Snapshot{Version: version, PNG: buf.Bytes()}, nil
}

// Restore replaces the pixels and version, e.g. from a checkpoint. img must
// have the tile's dimensions.
func (t *Tile) Restore(version uint64, img image.Image) error {
	b := img.Bounds()
	if b.Dx() != t.pix.Rect.Dx() || b.Dy() != t.pix.Rect.Dy() {
		return ErrImageSize
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	draw.Draw(t.pix, t.pix.Rect, img, b.Min, draw.Src)
	t.version = version
	return nil
}

// At reads one pixel; mostly useful for tests and inspection.
func (t *Tile) At(x, y int) color.RGBA {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pix.RGBAAt(x, y)
}

// ─────────────────────────────── helpers ─────────────────────────────────────

func dabBounds(x, y, r float64, clip image.Rectangle) image.Rectangle {
	clamp := func(v float64, lo, hi int) int {
		return int(math.Max(float64(lo), math.Min(float64(hi), v)))
	}
	return image.Rect(
		clamp(math.Floor(x-r), clip.Min.X, clip.Max.X),
		clamp(math.Floor(y-r), clip.Min.Y, clip.Max.Y),
		clamp(math.Ceil(x+r), clip.Min.X, clip.Max.X),
		clamp(math.Ceil(y+r), clip.Min.Y, clip.Max.Y),
	)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func mul255(a, b uint32) uint32 {
	return (a*b + 127) / 255
}

var encoder = png.Encoder{
	CompressionLevel: png.BestSpeed,
	BufferPool:       &bufferPool{},
}

type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *bufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}
