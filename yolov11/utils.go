package yolov11

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/brechtBDCK/MLEJ-deseptex"
	"github.com/up-zero/gotool/convertutil"
	"github.com/up-zero/gotool/imageutil"
	ort "github.com/yalue/onnxruntime_go"
)

// newSession 按配置初始化 ONNX 环境并创建会话
//
// # Params:
//
//	cfg: 引擎配置
//	inputs: 模型输入名
//	outputs: 模型输出名
func newSession(cfg Config, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	oc := new(deseptex.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, oc); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	// 初始化 ONNX
	if err := oc.New(); err != nil {
		return nil, err
	}
	defer oc.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputs, outputs, oc.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败 (%s): %w", cfg.ModelPath, err)
	}
	return session, nil
}

// tensorData 读取 float32 输出张量的数据和形状
func tensorData(v ort.Value) ([]float32, ort.Shape, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok || t == nil {
		return nil, nil, fmt.Errorf("输出不是 float32 张量")
	}
	return t.GetData(), t.GetShape(), nil
}

// destroyValues 释放输出张量
func destroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

// preprocess 预处理 (等比缩放, 右下补零, CHW + 归一化到 0-1)
func preprocess(img image.Image, inputSize int) (*ort.Tensor[float32], imageParams, error) {
	bounds := img.Bounds()
	params := imageParams{
		origW: bounds.Dx(),
		origH: bounds.Dy(),
	}
	if params.origW == 0 || params.origH == 0 {
		return nil, params, fmt.Errorf("图片尺寸为空")
	}

	scale := float32(inputSize) / float32(max(params.origW, params.origH))
	params.scale = scale

	newW := min(inputSize, int(float32(params.origW)*scale))
	newH := min(inputSize, int(float32(params.origH)*scale))

	resized := imageutil.Resize(img, newW, newH)
	rb := resized.Bounds()

	data := make([]float32, 3*inputSize*inputSize)
	plane := inputSize * inputSize
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			r, g, b, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()

			idx := y*inputSize + x
			data[idx] = float32(r) / 65535.0         // R
			data[plane+idx] = float32(g) / 65535.0   // G
			data[2*plane+idx] = float32(b) / 65535.0 // B
		}
	}

	shape := ort.NewShape(1, 3, int64(inputSize), int64(inputSize))
	tensor, err := ort.NewTensor(shape, data)
	return tensor, params, err
}

// preprocessCls 分类预处理 (短边缩放到 inputSize, 居中裁剪成正方形, CHW + 归一化到 0-1)
func preprocessCls(img image.Image, inputSize int) (*ort.Tensor[float32], error) {
	data, err := centerCrop(img, inputSize)
	if err != nil {
		return nil, err
	}
	shape := ort.NewShape(1, 3, int64(inputSize), int64(inputSize))
	return ort.NewTensor(shape, data)
}

// centerCrop 返回 preprocessCls 的张量数据
func centerCrop(img image.Image, inputSize int) ([]float32, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("图片尺寸为空")
	}

	scale := float64(inputSize) / float64(min(w, h))
	newW := max(inputSize, int(math.Round(float64(w)*scale)))
	newH := max(inputSize, int(math.Round(float64(h)*scale)))

	resized := imageutil.Resize(img, newW, newH)
	rb := resized.Bounds()
	x0 := rb.Min.X + (newW-inputSize)/2
	y0 := rb.Min.Y + (newH-inputSize)/2

	data := make([]float32, 3*inputSize*inputSize)
	plane := inputSize * inputSize
	for y := 0; y < inputSize; y++ {
		for x := 0; x < inputSize; x++ {
			r, g, b, _ := resized.At(x0+x, y0+y).RGBA()

			idx := y*inputSize + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}
	return data, nil
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}

// nms 非极大值抑制，过滤掉重叠度过高的检测框
//
// 分数相同的候选保持原有顺序。
//
// # Params:
//
//	cands: 候选框, 会被原地按分数排序
//	iouThresh: IOU 阈值
func nms(cands []candidate, iouThresh float32) []int {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	keep := make([]int, 0)
	suppressed := make([]bool, len(cands))

	for i := 0; i < len(cands); i++ {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)

		for j := i + 1; j < len(cands); j++ {
			if suppressed[j] {
				continue
			}
			if computeIOU(cands[i].origBox, cands[j].origBox) > iouThresh {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func computeIOU(r1, r2 image.Rectangle) float32 {
	intersect := r1.Intersect(r2)
	if intersect.Empty() {
		return 0.0
	}

	interArea := intersect.Dx() * intersect.Dy()
	area1 := r1.Dx() * r1.Dy()
	area2 := r2.Dx() * r2.Dy()

	return float32(interArea) / float32(area1+area2-interArea)
}
