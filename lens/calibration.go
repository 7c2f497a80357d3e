// Package lens 去除镜头畸变, 把相机原始图像重映射到传感器空间的共享帧。
package lens

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidCalibration 标定参数无效
var ErrInvalidCalibration = errors.New("invalid lens calibration")

// Calibration 相机内参、畸变系数 (OpenCV 顺序 k1,k2,p1,p2,k3) 和目标内参
type Calibration struct {
	CameraMatrix    [3][3]float64
	Distortion      []float64
	NewCameraMatrix *[3][3]float64 // 可选; 为空时按目标尺寸求 alpha=1 的最优内参
}

type calibrationFile struct {
	Mtx          [3][3]float64   `json:"mtx"`
	Dist         json.RawMessage `json:"dist"`
	NewCameraMtx *[3][3]float64  `json:"newcameramtx,omitempty"`
}

// LoadCalibration 读取标定 JSON 文件, dist 可以是一维或 OpenCV 导出的二维数组
func LoadCalibration(path string) (*Calibration, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening calibration file")
	}
	var raw calibrationFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "error parsing calibration file")
	}
	dist, err := parseDistortion(raw.Dist)
	if err != nil {
		return nil, err
	}
	c := &Calibration{
		CameraMatrix:    raw.Mtx,
		Distortion:      dist,
		NewCameraMatrix: raw.NewCameraMtx,
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "calibration file %s", path)
	}
	return c, nil
}

func parseDistortion(raw json.RawMessage) ([]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var nested [][]float64
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, errors.Wrap(err, "error parsing distortion coefficients")
	}
	for _, row := range nested {
		flat = append(flat, row...)
	}
	return flat, nil
}

// Validate 检查参数
func (c *Calibration) Validate() error {
	k := c.CameraMatrix
	if k[0][0] <= 0 || k[1][1] <= 0 {
		return errors.Wrapf(ErrInvalidCalibration, "focal length fx=%v fy=%v", k[0][0], k[1][1])
	}
	if len(c.Distortion) > 5 {
		return errors.Wrapf(ErrInvalidCalibration, "expected at most 5 distortion coefficients, got %d", len(c.Distortion))
	}
	for _, d := range c.Distortion {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return errors.Wrap(ErrInvalidCalibration, "distortion coefficient is not finite")
		}
	}
	if c.NewCameraMatrix != nil {
		if det := mat.Det(denseOf(*c.NewCameraMatrix)); math.Abs(det) < 1e-12 {
			return errors.Wrap(ErrInvalidCalibration, "target camera matrix is singular")
		}
	}
	return nil
}

// coefficients 补齐为 k1,k2,p1,p2,k3
func (c *Calibration) coefficients() (k1, k2, p1, p2, k3 float64) {
	var d [5]float64
	copy(d[:], c.Distortion)
	return d[0], d[1], d[2], d[3], d[4]
}

// targetMatrix 目标内参; 未给出时求 alpha=1 的最优新内参, 源图所有像素都落在目标帧内
func (c *Calibration) targetMatrix(srcW, srcH, dstW, dstH int) (*mat.Dense, error) {
	if c.NewCameraMatrix != nil {
		return denseOf(*c.NewCameraMatrix), nil
	}
	k := togocv(denseOf(c.CameraMatrix))
	defer k.Close()
	k1, k2, p1, p2, k3 := c.coefficients()
	dist := togocv(mat.NewDense(1, 5, []float64{k1, k2, p1, p2, k3}))
	defer dist.Close()

	opt, _ := gocv.GetOptimalNewCameraMatrixWithParams(k, dist, image.Pt(srcW, srcH), 1, image.Pt(dstW, dstH), false)
	defer opt.Close()
	if opt.Empty() || opt.Rows() != 3 || opt.Cols() != 3 {
		return nil, errors.Wrap(ErrInvalidCalibration, "cannot compute target camera matrix")
	}
	return togonum(&opt), nil
}

func togocv(m mat.Matrix) gocv.Mat {
	rows, cols := m.Dims()
	out := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV64F)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.SetDoubleAt(r, c, m.At(r, c))
		}
	}
	return out
}

func togonum(m *gocv.Mat) *mat.Dense {
	d := mat.NewDense(m.Rows(), m.Cols(), nil)
	for r := 0; r < m.Rows(); r++ {
		for c := 0; c < m.Cols(); c++ {
			d.Set(r, c, m.GetDoubleAt(r, c))
		}
	}
	return d
}

// Identity 无畸变、单位焦距的标定, 仅按尺寸缩放
func Identity(width, height int) *Calibration {
	return &Calibration{
		CameraMatrix: [3][3]float64{
			{float64(width), 0, float64(width) / 2},
			{0, float64(height), float64(height) / 2},
			{0, 0, 1},
		},
	}
}

func denseOf(m [3][3]float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

func (c *Calibration) String() string {
	k1, k2, p1, p2, k3 := c.coefficients()
	return fmt.Sprintf("fx=%.1f fy=%.1f cx=%.1f cy=%.1f k=(%g,%g,%g) p=(%g,%g)",
		c.CameraMatrix[0][0], c.CameraMatrix[1][1], c.CameraMatrix[0][2], c.CameraMatrix[1][2], k1, k2, k3, p1, p2)
}
