// Package contour 保存可编辑的切割多边形, 并在传感器空间与显示空间之间换算坐标。
package contour

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Space 带名字的像素坐标系
type Space struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// 坐标系名称
const (
	SensorName  = "sensor"
	DisplayName = "display"
)

// Sensor 传感器空间, 共享帧缓冲和机床变换使用的分辨率
func Sensor(width, height int) Space {
	return Space{Name: SensorName, Width: width, Height: height}
}

// Display 屏幕预览空间, 只用于交互
func Display(width, height int) Space {
	return Space{Name: DisplayName, Width: width, Height: height}
}

// Valid 尺寸为正
func (s Space) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Polygon 不显式闭合的顶点序列
type Polygon []image.Point

// Clone 深拷贝
func (p Polygon) Clone() Polygon {
	return append(Polygon(nil), p...)
}

// Bounds 外接矩形, 含右下边界点
func (p Polygon) Bounds() image.Rectangle {
	if len(p) == 0 {
		return image.Rectangle{}
	}
	r := image.Rectangle{Min: p[0], Max: p[0].Add(image.Pt(1, 1))}
	for _, pt := range p[1:] {
		r = r.Union(image.Rectangle{Min: pt, Max: pt.Add(image.Pt(1, 1))})
	}
	return r
}

// Set 标注了坐标系的一组多边形
type Set struct {
	Space    Space
	Polygons []Polygon
}

// NewSet 创建空集合
func NewSet(space Space) *Set {
	return &Set{Space: space}
}

// Len 多边形个数
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Polygons)
}

// Clone 深拷贝
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	return &Set{
		Space:    s.Space,
		Polygons: lo.Map(s.Polygons, func(p Polygon, _ int) Polygon { return p.Clone() }),
	}
}

// Rescale 按两个坐标系的逐轴比例换算全部顶点, 四舍五入到整数, 返回新集合
func Rescale(set *Set, to Space) (*Set, error) {
	if set == nil {
		return nil, errors.New("rescale of nil contour set")
	}
	from := set.Space
	if !from.Valid() || !to.Valid() {
		return nil, errors.Errorf("cannot rescale from %q (%dx%d) to %q (%dx%d)",
			from.Name, from.Width, from.Height, to.Name, to.Width, to.Height)
	}
	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)
	out := &Set{Space: to, Polygons: make([]Polygon, len(set.Polygons))}
	for i, poly := range set.Polygons {
		out.Polygons[i] = lo.Map(poly, func(p image.Point, _ int) image.Point {
			return image.Pt(int(math.Round(float64(p.X)*sx)), int(math.Round(float64(p.Y)*sy)))
		})
	}
	return out, nil
}

// Square 以 center 为中心、半边长 half 的轴对齐正方形, 顶点顺时针 (图像坐标) 排列
func Square(center image.Point, half int) Polygon {
	return Polygon{
		image.Pt(center.X-half, center.Y-half),
		image.Pt(center.X+half, center.Y-half),
		image.Pt(center.X+half, center.Y+half),
		image.Pt(center.X-half, center.Y+half),
	}
}
