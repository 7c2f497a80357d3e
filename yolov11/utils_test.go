package yolov11

import (
	"image"
	"image/color"
	"testing"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func TestComputeIOU(t *testing.T) {
	a := image.Rect(0, 0, 10, 10)
	test.That(t, computeIOU(a, a), test.ShouldEqual, float32(1))
	test.That(t, computeIOU(a, image.Rect(20, 20, 30, 30)), test.ShouldEqual, float32(0))
	// 交集 50, 并集 150
	test.That(t, computeIOU(a, image.Rect(5, 0, 15, 10)), test.ShouldAlmostEqual, 1.0/3.0, 1e-6)
}

func TestNMSKeepsHighestScore(t *testing.T) {
	cands := []candidate{
		{origBox: image.Rect(0, 0, 10, 10), score: 0.5, classID: 1},
		{origBox: image.Rect(1, 1, 11, 11), score: 0.9, classID: 1},
		{origBox: image.Rect(50, 50, 60, 60), score: 0.7, classID: 3},
	}
	keep := nms(cands, 0.5)
	test.That(t, len(keep), test.ShouldEqual, 2)
	test.That(t, cands[keep[0]].score, test.ShouldEqual, float32(0.9))
	test.That(t, cands[keep[1]].classID, test.ShouldEqual, 3)
}

func TestTopClassesTieBreak(t *testing.T) {
	res := topClasses([]float32{0.1, 0.4, 0.4, 0.1}, 2)
	test.That(t, len(res), test.ShouldEqual, 2)
	test.That(t, res[0].ClassID, test.ShouldEqual, 1)
	test.That(t, res[1].ClassID, test.ShouldEqual, 2)

	test.That(t, topClasses([]float32{0.3}, 5), test.ShouldHaveLength, 1)
	test.That(t, topClasses(nil, 1), test.ShouldHaveLength, 0)
}

func TestParseCandidates(t *testing.T) {
	cfg := DefaultSegConfig()
	cfg.InputSize = 64
	cfg.NumClasses = 2
	cfg.NumMaskCoeffs = 1
	e := &SegEngine{config: cfg, logger: zaptest.NewLogger(t).Sugar()}

	// 2 个锚点, 通道: cx cy w h cls0 cls1 m0
	anchors := 2
	data := []float32{
		32, 10, // cx
		32, 10, // cy
		16, 4, // w
		16, 4, // h
		0.1, 0.1, // cls0
		0.8, 0.2, // cls1
		1, 1, // m0
	}
	params := imageParams{origW: 128, origH: 128, scale: 0.5}
	cands := e.parseCandidates(data, 7, anchors, params)
	test.That(t, len(cands), test.ShouldEqual, 1)
	test.That(t, cands[0].classID, test.ShouldEqual, 1)
	test.That(t, cands[0].origBox, test.ShouldResemble, image.Rect(48, 48, 80, 80))

	// 通道数不匹配时不产生候选
	test.That(t, e.parseCandidates(data, 9, anchors, params), test.ShouldBeEmpty)

	// 类别数为 0 时由通道数推出
	e.config.NumClasses = 0
	cands = e.parseCandidates(data, 7, anchors, params)
	test.That(t, len(cands), test.ShouldEqual, 1)
	test.That(t, cands[0].classID, test.ShouldEqual, 1)
	test.That(t, e.parseCandidates(data, 5, anchors, params), test.ShouldBeEmpty)
}

func TestDecodeMask(t *testing.T) {
	cfg := DefaultSegConfig()
	cfg.InputSize = 8
	e := &SegEngine{config: cfg, logger: zaptest.NewLogger(t).Sugar()}

	// 单通道 2x2 原型, 左上为正, 其余为负
	protos := []float32{10, -10, -10, -10}
	cand := candidate{origBox: image.Rect(0, 0, 8, 8), maskCoeffs: []float32{1}}
	mask := e.decodeMask(cand, protos, 1, 2, 2, imageParams{origW: 8, origH: 8, scale: 1})

	test.That(t, mask.GrayAt(1, 1).Y, test.ShouldEqual, uint8(255))
	test.That(t, mask.GrayAt(6, 6).Y, test.ShouldEqual, uint8(0))
}

func TestParseNames(t *testing.T) {
	names, err := ParseNames("{0: 'chemise', 1: 'pants_arriere', 2: 'pants_avant'}")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, names, test.ShouldResemble, []string{"chemise", "pants_arriere", "pants_avant"})

	// 顺序按下标, 与书写顺序无关
	names, err = ParseNames(`{1: "b", 0: "a"}`)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, names, test.ShouldResemble, []string{"a", "b"})

	names, err = ParseNames("{}")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, names, test.ShouldBeEmpty)

	_, err = ParseNames("{0: 'a', 2: 'c'}")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParseNames("{0: 'a'")
	test.That(t, err, test.ShouldNotBeNil)
}

// stripes 左中右三段颜色的图片, 中段宽度为 mid
func stripes(w, h, mid int, horizontal bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pos, size := x, w
			if !horizontal {
				pos, size = y, h
			}
			c := color.RGBA{G: 255, A: 255}
			switch {
			case pos < (size-mid)/2:
				c = color.RGBA{R: 255, A: 255}
			case pos >= (size+mid)/2:
				c = color.RGBA{B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestCenterCropKeepsOnlyMiddle(t *testing.T) {
	const size = 10
	plane := size * size
	for _, tc := range []struct {
		name string
		img  image.Image
	}{
		// 40x20 缩放到 20x10 后裁掉左右各 5 像素 (原图各 10 像素), 两侧色带只有 4 像素宽
		{"wide", stripes(40, 20, 32, true)},
		{"tall", stripes(20, 40, 32, false)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			data, err := centerCrop(tc.img, size)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, data, test.ShouldHaveLength, 3*plane)
			for i := 0; i < plane; i++ {
				test.That(t, data[i], test.ShouldBeLessThan, 0.2)
				test.That(t, data[plane+i], test.ShouldBeGreaterThan, 0.8)
				test.That(t, data[2*plane+i], test.ShouldBeLessThan, 0.2)
			}
		})
	}

	_, err := centerCrop(image.NewRGBA(image.Rect(0, 0, 0, 5)), size)
	test.That(t, err, test.ShouldNotBeNil)
}
