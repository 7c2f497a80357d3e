package framechan

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// Frame 固定尺寸的三通道像素缓冲, 按 B,G,R 顺序逐行存放, 行跨度为 3*Width
//
// Frame 同时实现 image.Image, 快照可以直接交给推理引擎。
type Frame struct {
	Width, Height int
	Pix           []byte
}

// NewFrame 创建全黑帧
func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, 3*width*height),
	}
}

// FromImage 将任意图片转换为同尺寸的 BGR 帧
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *Frame:
		copy(f.Pix, src.Pix)
	case *image.RGBA:
		for y := 0; y < f.Height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < f.Width; x++ {
				f.Set(x, y, row[4*x], row[4*x+1], row[4*x+2])
			}
		}
	default:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
				f.Set(x, y, c.R, c.G, c.B)
			}
		}
	}
	return f
}

// SameSize 两帧尺寸是否一致
func (f *Frame) SameSize(o *Frame) bool {
	return f.Width == o.Width && f.Height == o.Height
}

// Clone 深拷贝
func (f *Frame) Clone() *Frame {
	c := &Frame{Width: f.Width, Height: f.Height, Pix: make([]byte, len(f.Pix))}
	copy(c.Pix, f.Pix)
	return c
}

// CopyFrom 用 src 的像素原地覆盖本帧, 尺寸不一致时返回 ErrSizeMismatch 且不做修改
func (f *Frame) CopyFrom(src *Frame) error {
	if !f.SameSize(src) || len(f.Pix) != len(src.Pix) {
		return errors.Wrapf(ErrSizeMismatch, "got %dx%d, want %dx%d", src.Width, src.Height, f.Width, f.Height)
	}
	copy(f.Pix, src.Pix)
	return nil
}

// Set 写入一个像素
func (f *Frame) Set(x, y int, r, g, b uint8) {
	i := 3 * (y*f.Width + x)
	f.Pix[i] = b
	f.Pix[i+1] = g
	f.Pix[i+2] = r
}

// ColorModel implements image.Image.
func (f *Frame) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Width, f.Height) }

// At implements image.Image.
func (f *Frame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return color.RGBA{}
	}
	i := 3 * (y*f.Width + x)
	return color.RGBA{R: f.Pix[i+2], G: f.Pix[i+1], B: f.Pix[i], A: 255}
}

// RGBA 转换为 *image.RGBA, 供绘图库使用
func (f *Frame) RGBA() *image.RGBA {
	dst := image.NewRGBA(f.Bounds())
	for i, j := 0, 0; i < len(f.Pix); i, j = i+3, j+4 {
		dst.Pix[j] = f.Pix[i+2]
		dst.Pix[j+1] = f.Pix[i+1]
		dst.Pix[j+2] = f.Pix[i]
		dst.Pix[j+3] = 255
	}
	return dst
}
