package inference

import (
	"image"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gocv.io/x/gocv"

	"github.com/brechtBDCK/MLEJ-deseptex/contour"
	"github.com/brechtBDCK/MLEJ-deseptex/yolov11"
)

// mergeMasks 把相关类别的 Mask 合并到与原图同尺寸的画布上
func mergeMasks(bounds image.Rectangle, dets []yolov11.SegResult, relevant []int) (*image.Gray, int) {
	canvas := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	used := 0
	for _, det := range dets {
		if det.Mask == nil || !lo.Contains(relevant, det.ClassID) {
			continue
		}
		used++
		area := det.Mask.Bounds().Intersect(canvas.Rect)
		for y := area.Min.Y; y < area.Max.Y; y++ {
			for x := area.Min.X; x < area.Max.X; x++ {
				if det.Mask.GrayAt(x, y).Y > 0 {
					canvas.Pix[canvas.PixOffset(x, y)] = 255
				}
			}
		}
	}
	return canvas, used
}

// outerContours 膨胀 iterations 次后二值化, 提取最外层轮廓
func outerContours(canvas *image.Gray, kernelSize, iterations int) ([]contour.Polygon, error) {
	w, h := canvas.Rect.Dx(), canvas.Rect.Dy()
	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, canvas.Pix)
	if err != nil {
		return nil, errors.Wrap(err, "creating mask mat")
	}
	cur, next := src, gocv.NewMat()
	defer func() {
		cur.Close()
		next.Close()
	}()

	if iterations > 0 && kernelSize > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(kernelSize, kernelSize))
		defer kernel.Close()
		for i := 0; i < iterations; i++ {
			if err := gocv.Dilate(cur, &next, kernel); err != nil {
				return nil, errors.Wrapf(err, "dilation %d", i)
			}
			cur, next = next, cur
		}
	}

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(cur, &binary, 1, 255, gocv.ThresholdBinary)

	found := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer found.Close()

	polys := make([]contour.Polygon, 0, found.Size())
	for i := 0; i < found.Size(); i++ {
		pts := found.At(i).ToPoints()
		if len(pts) < contour.MinPoints {
			continue
		}
		polys = append(polys, contour.Polygon(pts))
	}
	return polys, nil
}

// largestContour 单个 Mask 面积最大的外轮廓
func largestContour(mask *image.Gray) (contour.Polygon, error) {
	b := mask.Bounds()
	src, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, mask.Pix)
	if err != nil {
		return nil, errors.Wrap(err, "creating mask mat")
	}
	defer src.Close()

	found := gocv.FindContours(src, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer found.Close()

	var best contour.Polygon
	bestArea := -1.0
	for i := 0; i < found.Size(); i++ {
		pv := found.At(i)
		if area := gocv.ContourArea(pv); area > bestArea {
			bestArea = area
			best = contour.Polygon(pv.ToPoints())
		}
	}
	return best, nil
}
