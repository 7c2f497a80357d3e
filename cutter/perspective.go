// Package cutter 把传感器空间的轮廓换算到机床坐标, 写出 SVG 切割文件, 并通过 UDP 控制激光切割机。
package cutter

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Point 机床坐标 (毫米)
type Point struct {
	X, Y float64
}

// Perspective 传感器像素到机床毫米的 3x3 透视变换, 创建后不可变
type Perspective struct {
	m *mat.Dense
}

// NewPerspective 拒绝奇异矩阵
func NewPerspective(m [3][3]float64) (*Perspective, error) {
	d := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	for _, v := range d.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("perspective matrix has non-finite entries")
		}
	}
	if det := mat.Det(d); math.Abs(det) < 1e-12 {
		return nil, errors.Errorf("perspective matrix is singular (det=%g)", det)
	}
	return &Perspective{m: d}, nil
}

// PerspectiveFromPoints 由四组对应点求透视变换, 与 OpenCV getPerspectiveTransform 相同
func PerspectiveFromPoints(src, dst [4]Point) (*Perspective, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y
		a.SetRow(i, []float64{x, y, 1, 0, 0, 0, -x * u, -y * u})
		a.SetRow(i+4, []float64{0, 0, 0, x, y, 1, -x * v, -y * v})
		b.SetVec(i, u)
		b.SetVec(i+4, v)
	}
	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return nil, errors.Wrap(err, "solving perspective transform")
	}
	return NewPerspective([3][3]float64{
		{h.AtVec(0), h.AtVec(1), h.AtVec(2)},
		{h.AtVec(3), h.AtVec(4), h.AtVec(5)},
		{h.AtVec(6), h.AtVec(7), 1},
	})
}

// LoadPerspective 读取 {"matrix": [[...], [...], [...]]}
func LoadPerspective(path string) (*Perspective, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening perspective file")
	}
	var raw struct {
		Matrix *[3][3]float64 `json:"matrix"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "error parsing perspective file")
	}
	if raw.Matrix == nil {
		return nil, errors.Errorf("perspective file %s has no matrix", path)
	}
	p, err := NewPerspective(*raw.Matrix)
	return p, errors.Wrapf(err, "perspective file %s", path)
}

// Apply 齐次变换 M·[x y 1]ᵗ, 返回 (xh/wh, yh/wh)
func (p *Perspective) Apply(x, y float64) Point {
	m := p.m
	xh := m.At(0, 0)*x + m.At(0, 1)*y + m.At(0, 2)
	yh := m.At(1, 0)*x + m.At(1, 1)*y + m.At(1, 2)
	wh := m.At(2, 0)*x + m.At(2, 1)*y + m.At(2, 2)
	return Point{X: xh / wh, Y: yh / wh}
}

// Matrix 矩阵的拷贝
func (p *Perspective) Matrix() [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = p.m.At(i, j)
		}
	}
	return out
}
