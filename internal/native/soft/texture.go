package soft

import (
	"image"
	"image/color"
	"math"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native"
)

// ============================================================================
// allocator
// ============================================================================

// Stats 軟體引擎的記憶體統計
type Stats struct {
	LiveBytes   int64
	Allocations int64
	Frees       int64
}

type allocator struct {
	live   atomic.Int64
	allocs atomic.Int64
	frees  atomic.Int64
}

func (a *allocator) alloc(n int) {
	a.live.Add(int64(n))
	a.allocs.Add(1)
}

func (a *allocator) free(n int) {
	a.live.Add(-int64(n))
	a.frees.Add(1)
}

func (a *allocator) stats() Stats {
	return Stats{LiveBytes: a.live.Load(), Allocations: a.allocs.Load(), Frees: a.frees.Load()}
}

// ============================================================================
// texture
// ============================================================================

// texture 以引用計數管理的紋理；最後一個引用釋放時歸還給 allocator
type texture struct {
	img   image.Image
	bytes int
	refs  atomic.Int32
	alloc *allocator
}

var _ native.Texture = (*texture)(nil)

func newTexture(img image.Image, bytes int, a *allocator) *texture {
	t := &texture{img: img, bytes: bytes, alloc: a}
	t.refs.Store(1)
	a.alloc(bytes)
	return t
}

func (t *texture) Image() image.Image { return t.img }

func (t *texture) Bytes() int { return t.bytes }

func (t *texture) retain() *texture {
	t.refs.Add(1)
	return t
}

func (t *texture) Release() {
	if t.refs.Add(-1) == 0 {
		t.alloc.free(t.bytes)
	}
}

// ============================================================================
// pattern generation
// ============================================================================

type patternParams struct {
	colorA color.NRGBA
	colorB color.NRGBA
	scalar float64
	tiles  int
	mask   image.Image
}

func toByte(f float32) uint8 {
	switch {
	case f <= 0:
		return 0
	case f >= 1:
		return 255
	}
	return uint8(f*255 + 0.5)
}

func toColor(v [4]float32, components int) color.NRGBA {
	c := color.NRGBA{R: toByte(v[0]), G: toByte(v[1]), B: toByte(v[2]), A: 255}
	if components == 4 {
		c.A = toByte(v[3])
	}
	return c
}

// paramsFor 由圖的輸入值推導圖樣參數：
// 第一、二個顏色輸入為 A/B 色，第一個 float 為強度，第一個 int 為格數，第一個影像為遮罩
func paramsFor(values []native.InputValue) patternParams {
	p := patternParams{
		colorA: color.NRGBA{R: 200, G: 200, B: 200, A: 255},
		colorB: color.NRGBA{R: 30, G: 30, B: 30, A: 255},
		scalar: 1,
		tiles:  4,
	}
	colors := 0
	seenFloat, seenInt := false, false
	for _, v := range values {
		switch v.Type {
		case graph.InputFloat3, graph.InputFloat4:
			switch colors {
			case 0:
				p.colorA = toColor(v.Value, v.Type.Components())
			case 1:
				p.colorB = toColor(v.Value, v.Type.Components())
			}
			colors++
		case graph.InputFloat:
			if !seenFloat {
				p.scalar = float64(v.Value[0])
				seenFloat = true
			}
		case graph.InputInt:
			if !seenInt {
				if n := int(v.Value[0]); n > 0 {
					p.tiles = n
				}
				seenInt = true
			}
		case graph.InputImage:
			if p.mask == nil && v.Image != nil {
				p.mask = v.Image.Image
			}
		}
	}
	return p
}

func lerp(a, b color.NRGBA, t float64) color.NRGBA {
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	mix := func(x, y uint8) uint8 { return uint8(float64(x) + (float64(y)-float64(x))*t + 0.5) }
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}

// hashNoise 整數座標的確定性雜訊，值域 [0,1)
func hashNoise(x, y int, seed uint32) float64 {
	h := uint32(x)*374761393 + uint32(y)*668265263 + seed*2246822519
	h = (h ^ (h >> 13)) * 1274126177
	h ^= h >> 16
	return float64(h&0xffffff) / float64(0x1000000)
}

func maskAt(mask image.Image, x, y, w, h int) float64 {
	b := mask.Bounds()
	if b.Empty() {
		return 1
	}
	mx := b.Min.X + x*b.Dx()/w
	my := b.Min.Y + y*b.Dy()/h
	r, g, bl, _ := mask.At(mx, my).RGBA()
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 65535
}

// renderPattern 以組件宣告的原生尺寸產生圖樣
func renderPattern(pattern string, w, h int, p patternParams) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	seed := uint32(p.tiles)*31 + uint32(math.Float64bits(p.scalar))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var c color.NRGBA
			switch pattern {
			case PatternGradient:
				c = lerp(p.colorA, p.colorB, float64(x)/float64(maxInt(w-1, 1)))
			case PatternChecker:
				cx := x * p.tiles / w
				cy := y * p.tiles / h
				if (cx+cy)%2 == 0 {
					c = p.colorA
				} else {
					c = p.colorB
				}
			case PatternNoise:
				cell := maxInt(w/maxInt(p.tiles, 1), 1)
				c = lerp(p.colorB, p.colorA, hashNoise(x/cell, y/cell, seed)*p.scalar)
			default:
				c = p.colorA
			}
			if p.mask != nil {
				c = lerp(p.colorB, c, maskAt(p.mask, x, y, w, h))
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// convert 依輸出格式縮放並轉換像素格式，返回影像與其位元組數
func convert(src *image.NRGBA, f graph.OutputFormat) (image.Image, int) {
	var scaled image.Image = src
	b := src.Bounds()
	if (f.Width > 0 && f.Width != b.Dx()) || (f.Height > 0 && f.Height != b.Dy()) {
		w, h := f.Width, f.Height
		if w <= 0 {
			w = b.Dx()
		}
		if h <= 0 {
			h = b.Dy()
		}
		dst := image.NewNRGBA(image.Rect(0, 0, w, h))
		xdraw.BiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
		scaled = dst
	}

	sb := scaled.Bounds()
	if f.Pixel == graph.PixelL8 {
		gray := image.NewGray(image.Rect(0, 0, sb.Dx(), sb.Dy()))
		xdraw.Draw(gray, gray.Bounds(), scaled, sb.Min, xdraw.Src)
		return gray, sb.Dx() * sb.Dy()
	}
	return scaled, sb.Dx() * sb.Dy() * 4
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
