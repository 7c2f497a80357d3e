package lens

import (
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/brechtBDCK/MLEJ-deseptex/framechan"
)

// Undistorter 按标定参数把任意尺寸的原始图像重映射为去畸变的目标帧
//
// 重映射表按 (源尺寸, 目标尺寸) 计算一次后缓存; 采用双线性插值, 落在源图外的像素为黑色。
type Undistorter struct {
	calib *Calibration

	mu    sync.Mutex
	table *remapTable
}

type remapTable struct {
	srcW, srcH int
	dstW, dstH int
	// 目标像素对应的左上源像素下标 (y*srcW+x), -1 表示越界
	index []int32
	// 向右, 向下一个像素的插值权重
	wx, wy []float32
}

// NewUndistorter 创建去畸变器
func NewUndistorter(calib *Calibration) (*Undistorter, error) {
	if calib == nil {
		return nil, errors.Wrap(ErrInvalidCalibration, "calibration is nil")
	}
	if err := calib.Validate(); err != nil {
		return nil, err
	}
	return &Undistorter{calib: calib}, nil
}

// Apply 把 src 去畸变后写入 dst, dst 的尺寸即传感器空间
func (u *Undistorter) Apply(src image.Image, dst *framechan.Frame) error {
	b := src.Bounds()
	if b.Empty() {
		return errors.New("source image is empty")
	}
	table, err := u.tableFor(b.Dx(), b.Dy(), dst.Width, dst.Height)
	if err != nil {
		return err
	}

	read := pixelReader(src)
	for i, si := range table.index {
		o := 3 * i
		if si < 0 {
			dst.Pix[o], dst.Pix[o+1], dst.Pix[o+2] = 0, 0, 0
			continue
		}
		x0 := int(si) % table.srcW
		y0 := int(si) / table.srcW
		x1 := min(x0+1, table.srcW-1)
		y1 := min(y0+1, table.srcH-1)
		wx, wy := table.wx[i], table.wy[i]

		var rgb [3]float32
		for _, s := range [4]struct {
			x, y int
			w    float32
		}{
			{x0, y0, (1 - wx) * (1 - wy)},
			{x1, y0, wx * (1 - wy)},
			{x0, y1, (1 - wx) * wy},
			{x1, y1, wx * wy},
		} {
			if s.w == 0 {
				continue
			}
			r, g, bl := read(b.Min.X+s.x, b.Min.Y+s.y)
			rgb[0] += s.w * float32(r)
			rgb[1] += s.w * float32(g)
			rgb[2] += s.w * float32(bl)
		}
		dst.Pix[o], dst.Pix[o+1], dst.Pix[o+2] = toByte(rgb[2]), toByte(rgb[1]), toByte(rgb[0])
	}
	return nil
}

func toByte(v float32) uint8 {
	return uint8(min(255, max(0, v+0.5)))
}

func (u *Undistorter) tableFor(srcW, srcH, dstW, dstH int) (*remapTable, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if t := u.table; t != nil && t.srcW == srcW && t.srcH == srcH && t.dstW == dstW && t.dstH == dstH {
		return t, nil
	}
	t, err := buildTable(u.calib, srcW, srcH, dstW, dstH)
	if err != nil {
		return nil, err
	}
	u.table = t
	return t, nil
}

func buildTable(c *Calibration, srcW, srcH, dstW, dstH int) (*remapTable, error) {
	target, err := c.targetMatrix(srcW, srcH, dstW, dstH)
	if err != nil {
		return nil, err
	}
	var inv mat.Dense
	if err := inv.Inverse(target); err != nil {
		return nil, errors.Wrap(ErrInvalidCalibration, "target camera matrix is not invertible")
	}
	k := c.CameraMatrix
	k1, k2, p1, p2, k3 := c.coefficients()

	n := dstW * dstH
	t := &remapTable{
		srcW: srcW, srcH: srcH, dstW: dstW, dstH: dstH,
		index: make([]int32, n),
		wx:    make([]float32, n),
		wy:    make([]float32, n),
	}
	maxX, maxY := float64(srcW-1), float64(srcH-1)
	for v := 0; v < dstH; v++ {
		for uu := 0; uu < dstW; uu++ {
			fu, fv := float64(uu), float64(v)
			rx := inv.At(0, 0)*fu + inv.At(0, 1)*fv + inv.At(0, 2)
			ry := inv.At(1, 0)*fu + inv.At(1, 1)*fv + inv.At(1, 2)
			rw := inv.At(2, 0)*fu + inv.At(2, 1)*fv + inv.At(2, 2)
			x, y := rx/rw, ry/rw

			r2 := x*x + y*y
			radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
			xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
			yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y

			sx := k[0][0]*xd + k[0][1]*yd + k[0][2]
			sy := k[1][1]*yd + k[1][2]

			i := v*dstW + uu
			// 超出源图半个像素以上视为越界
			if sx < -0.5 || sy < -0.5 || sx > maxX+0.5 || sy > maxY+0.5 {
				t.index[i] = -1
				continue
			}
			sx = math.Min(math.Max(sx, 0), maxX)
			sy = math.Min(math.Max(sy, 0), maxY)
			x0, y0 := math.Floor(sx), math.Floor(sy)
			t.index[i] = int32(int(y0)*srcW + int(x0))
			t.wx[i] = float32(sx - x0)
			t.wy[i] = float32(sy - y0)
		}
	}
	return t, nil
}

// pixelReader 返回按源图坐标读取 RGB 的函数, 常见格式直接读 Pix
func pixelReader(img image.Image) func(x, y int) (r, g, b uint8) {
	switch src := img.(type) {
	case *framechan.Frame:
		return func(x, y int) (uint8, uint8, uint8) {
			i := 3 * (y*src.Width + x)
			return src.Pix[i+2], src.Pix[i+1], src.Pix[i]
		}
	case *image.RGBA:
		return func(x, y int) (uint8, uint8, uint8) {
			i := src.PixOffset(x, y)
			return src.Pix[i], src.Pix[i+1], src.Pix[i+2]
		}
	case *image.NRGBA:
		return func(x, y int) (uint8, uint8, uint8) {
			i := src.PixOffset(x, y)
			return src.Pix[i], src.Pix[i+1], src.Pix[i+2]
		}
	default:
		return func(x, y int) (uint8, uint8, uint8) {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			return c.R, c.G, c.B
		}
	}
}
