package control

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/up-zero/gotool/imageutil"

	"github.com/brechtBDCK/MLEJ-deseptex"
	"github.com/brechtBDCK/MLEJ-deseptex/contour"
)

// Display 显示渲染结果, 由界面或预览文件实现
type Display interface {
	Show(img image.Image) error
}

// Scene 一次渲染需要的全部内容
type Scene struct {
	Frame   image.Image
	Set     *contour.Set
	Hover   *image.Point
	Editing bool
	Status  Status
}

// Renderer 把帧缩放到显示空间并叠加轮廓和状态
type Renderer struct {
	display     contour.Space
	hoverRadius int
	text        *deseptex.TextDrawer
}

// NewRenderer text 为 nil 时不绘制状态栏
func NewRenderer(display contour.Space, hoverRadius int, text *deseptex.TextDrawer) *Renderer {
	return &Renderer{display: display, hoverRadius: hoverRadius, text: text}
}

var (
	polygonColor = color.RGBA{R: 255, A: 255}
	hoverColor   = color.RGBA{B: 255, A: 255}
)

// Render 生成一帧显示图像
func (r *Renderer) Render(s Scene) *image.RGBA {
	w, h := r.display.Width, r.display.Height
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if s.Frame != nil {
		resized := imaging.Resize(s.Frame, w, h, imaging.Linear)
		draw.Draw(dst, dst.Bounds(), resized, image.Point{}, draw.Src)
	}

	dc := gg.NewContextForRGBA(dst)
	if s.Set != nil {
		dc.SetColor(polygonColor)
		dc.SetLineWidth(2)
		for _, poly := range s.Set.Polygons {
			if len(poly) < contour.MinPoints {
				continue
			}
			dc.MoveTo(float64(poly[0].X), float64(poly[0].Y))
			for _, p := range poly[1:] {
				dc.LineTo(float64(p.X), float64(p.Y))
			}
			dc.ClosePath()
			dc.Stroke()
		}
		// 编辑时标出顶点
		if s.Editing {
			for _, poly := range s.Set.Polygons {
				for _, p := range poly {
					imageutil.DrawFilledCircle(dst, p, 2, polygonColor)
				}
			}
		}
	}

	if s.Hover != nil {
		dc.SetColor(hoverColor)
		dc.SetLineWidth(2)
		dc.DrawCircle(float64(s.Hover.X), float64(s.Hover.Y), float64(r.hoverRadius))
		dc.Stroke()
	}

	if r.text != nil {
		r.text.DrawLines(dst, s.Status.Lines(), 10, 10+r.text.LineHeight(), color.White, color.Black)
	}
	return dst
}
