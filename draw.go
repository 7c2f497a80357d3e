package deseptex

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// labelPadding 底色超出文字的边距
const labelPadding = 4

// TextDrawer 预览画面上的状态文字绘制工具
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径 (ttf/otf)
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}

	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(18); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 动态调整字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	// 释放旧 Face 内存
	if d.face != nil {
		d.face.Close()
	}
	d.face = nf
	d.fontSize = fontSize
	return nil
}

// DrawLabel 在 (x, y) 处绘制带底色的单行文本, y 为文字基线
//
// # Params:
//
//	img: 被绘制的图像
//	text: 绘制的文本
//	x, y: 绘制的坐标
//	fg: 文字颜色
//	bg: 底色, nil 时不绘制底色
func (d *TextDrawer) DrawLabel(img draw.Image, text string, x, y int, fg, bg color.Color) {
	d.DrawLines(img, []string{text}, x, y, fg, bg)
}

// DrawLines 从 (x, y) 开始逐行绘制, 各行共用一块底色, y 为第一行基线
func (d *TextDrawer) DrawLines(img draw.Image, lines []string, x, y int, fg, bg color.Color) {
	if len(lines) == 0 {
		return
	}
	step := d.LineHeight()
	if bg != nil {
		var box image.Rectangle
		for i, line := range lines {
			b, _ := font.BoundString(d.face, line)
			r := image.Rect(b.Min.X.Floor(), b.Min.Y.Floor(), b.Max.X.Ceil(), b.Max.Y.Ceil()).
				Add(image.Pt(x, y+i*step))
			box = box.Union(r)
		}
		box = box.Inset(-labelPadding)
		draw.Draw(img, box.Intersect(img.Bounds()), image.NewUniform(bg), image.Point{}, draw.Over)
	}

	drawer := &font.Drawer{Dst: img, Src: image.NewUniform(fg), Face: d.face}
	for i, line := range lines {
		drawer.Dot = fixed.P(x, y+i*step)
		drawer.DrawString(line)
	}
}

// LineHeight 当前字号下的行高 (像素)
func (d *TextDrawer) LineHeight() int {
	return d.face.Metrics().Height.Ceil()
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}
