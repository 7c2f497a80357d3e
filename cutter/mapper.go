package cutter

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	svg "github.com/ajstarks/svgo"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/brechtBDCK/MLEJ-deseptex/contour"
)

// ErrNotSensorSpace 轮廓不在传感器空间
var ErrNotSensorSpace = errors.New("contours are not in sensor space")

// Bed 机床台面尺寸 (毫米)
type Bed struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultBed 1400x900 台面
func DefaultBed() Bed {
	return Bed{Width: 1400, Height: 900}
}

// Mapper 传感器空间到机床空间的换算与切割文件写出
type Mapper struct {
	persp *Perspective
	bed   Bed
}

// NewMapper 创建换算器
func NewMapper(persp *Perspective, bed Bed) *Mapper {
	return &Mapper{persp: persp, bed: bed}
}

// ToMachineSpace 逐点变换; 机床原点与相机镜像, X 轴取 W-x; 结果末尾重复首点以闭合
func (m *Mapper) ToMachineSpace(poly contour.Polygon) []Point {
	if len(poly) == 0 {
		return nil
	}
	out := make([]Point, 0, len(poly)+1)
	for _, p := range poly {
		q := m.persp.Apply(float64(p.X), float64(p.Y))
		out = append(out, Point{X: float64(m.bed.Width) - q.X, Y: q.Y})
	}
	return append(out, out[0])
}

// WriteSVG 写出切割文件: 先是对齐台面用的参考矩形, 之后每个多边形一条路径
func (m *Mapper) WriteSVG(w io.Writer, set *contour.Set) error {
	if set == nil || set.Space.Name != contour.SensorName {
		return ErrNotSensorSpace
	}
	bw := bufio.NewWriter(w)
	canvas := svg.New(bw)
	canvas.Startunit(m.bed.Width, m.bed.Height, "mm")

	wStr, hStr := strconv.Itoa(m.bed.Width), strconv.Itoa(m.bed.Height)
	canvas.Path("M0 0 "+wStr+" 0 "+wStr+" "+hStr+" 0 "+hStr, `fill="none"`, "stroke:blue")
	for _, poly := range set.Polygons {
		pts := m.ToMachineSpace(poly)
		if len(pts) == 0 {
			continue
		}
		canvas.Path(pathData(pts), `fill="none"`, "stroke:red")
	}
	canvas.End()
	return errors.Wrap(bw.Flush(), "writing cut file")
}

// pathData "M x y x y ..." 十进制坐标对, 不做重采样
func pathData(pts []Point) string {
	var sb strings.Builder
	sb.WriteString("M")
	for i, p := range pts {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(formatCoord(p.X))
		sb.WriteByte(' ')
		sb.WriteString(formatCoord(p.Y))
	}
	return sb.String()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteFile 写出切割文件, 父目录不存在时创建
func (m *Mapper) WriteFile(path string, set *contour.Set) (err error) {
	if set == nil || set.Space.Name != contour.SensorName {
		return ErrNotSensorSpace
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating cut file directory")
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating cut file")
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	return m.WriteSVG(f, set)
}
