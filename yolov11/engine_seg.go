package yolov11

import (
	"fmt"
	"image"
	"image/color"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// SegEngine YOLOv11-seg Engine
type SegEngine struct {
	session *ort.DynamicAdvancedSession
	config  Config
	logger  *zap.SugaredLogger
}

// NewSegEngine 初始化分割引擎
func NewSegEngine(cfg Config, logger *zap.SugaredLogger) (*SegEngine, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	session, err := newSession(cfg, []string{"images"}, []string{"output0", "output1"})
	if err != nil {
		return nil, err
	}

	return &SegEngine{
		session: session,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Destroy 释放相关资源
func (e *SegEngine) Destroy() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return fmt.Errorf("销毁分割 ONNX 会话失败: %w", err)
		}
		e.session = nil
	}
	return nil
}

// Predict 执行分割推理
func (e *SegEngine) Predict(img image.Image) ([]SegResult, error) {
	// 预处理
	inputTensor, params, err := preprocess(img, e.config.InputSize)
	if err != nil {
		return nil, fmt.Errorf("预处理失败: %w", err)
	}
	defer inputTensor.Destroy()

	// 推理
	outputs := []ort.Value{nil, nil}
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("推理失败: %w", err)
	}
	defer destroyValues(outputs)

	// 没有检测框或没有 Mask 原型: 视为未检测到
	if outputs[0] == nil || outputs[1] == nil {
		return nil, nil
	}

	// output0: Detections [1, 4+NumClasses+32, anchors]
	// output1: Mask Protos [1, 32, h/4, w/4]
	return e.postprocess(outputs[0], outputs[1], params)
}

// postprocess 后处理
func (e *SegEngine) postprocess(out0, out1 ort.Value, params imageParams) ([]SegResult, error) {
	data0, shape0, err := tensorData(out0)
	if err != nil {
		return nil, fmt.Errorf("获取检测输出失败: %w", err)
	}
	data1, shape1, err := tensorData(out1)
	if err != nil {
		return nil, fmt.Errorf("获取 Mask 原型失败: %w", err)
	}
	if len(shape0) != 3 || len(shape1) != 4 {
		return nil, fmt.Errorf("输出形状不符合预期: %v, %v", shape0, shape1)
	}

	numChannels := int(shape0[1])
	numAnchors := int(shape0[2])
	protoC, protoH, protoW := int(shape1[1]), int(shape1[2]), int(shape1[3])

	// 解析候选框
	candidates := e.parseCandidates(data0, numChannels, numAnchors, params)
	// NMS
	keptIndices := nms(candidates, e.config.IOUThreshold)

	results := make([]SegResult, 0, len(keptIndices))
	for _, idx := range keptIndices {
		cand := candidates[idx]
		results = append(results, SegResult{
			ClassID: cand.classID,
			Score:   cand.score,
			Box:     cand.origBox,
			Mask:    e.decodeMask(cand, data1, protoC, protoH, protoW, params),
		})
	}

	return results, nil
}

// parseCandidates 解析候选框
//
// # Params:
//
//	data: 模型输出的数组, 按通道排列
//		[cx...] [cy...] [w...] [h...] [cls_0...] ... [cls_n...] [m_0...] ... [m_31...]
//	channels: 模型输出的通道数
//	anchors: 模型输出的锚点数
//	params: 图片尺寸信息
func (e *SegEngine) parseCandidates(data []float32, channels, anchors int, params imageParams) []candidate {
	var cands []candidate

	// 检查通道数, NumClasses 为 0 时由通道数推出
	numClasses := e.config.NumClasses
	if numClasses <= 0 {
		numClasses = channels - 4 - e.config.NumMaskCoeffs
	}
	expectedChannels := 4 + numClasses + e.config.NumMaskCoeffs
	if numClasses <= 0 || channels != expectedChannels {
		e.logger.Warnw("分割输出通道数与配置不匹配", "model", e.config.ModelPath, "channels", channels, "expected", expectedChannels)
		return cands
	}

	for i := 0; i < anchors; i++ {
		// 找最大分类分数
		maxScore := float32(0.0)
		classID := -1
		for c := 0; c < numClasses; c++ {
			score := data[(4+c)*anchors+i]
			if score > maxScore {
				maxScore = score
				classID = c
			}
		}
		if classID < 0 || maxScore < e.config.ConfThreshold {
			continue
		}

		// 提取坐标
		cx := data[0*anchors+i]
		cy := data[1*anchors+i]
		w := data[2*anchors+i]
		h := data[3*anchors+i]

		// 提取 Mask 系数
		coeffs := make([]float32, e.config.NumMaskCoeffs)
		for j := 0; j < e.config.NumMaskCoeffs; j++ {
			coeffs[j] = data[(4+numClasses+j)*anchors+i]
		}

		// 转换回原图矩形坐标
		origX1 := max(0, int((cx-w/2)/params.scale))
		origY1 := max(0, int((cy-h/2)/params.scale))
		origX2 := min(params.origW, int((cx+w/2)/params.scale))
		origY2 := min(params.origH, int((cy+h/2)/params.scale))

		cands = append(cands, candidate{
			origBox:    image.Rect(origX1, origY1, origX2, origY2),
			score:      maxScore,
			classID:    classID,
			maskCoeffs: coeffs,
		})
	}
	return cands
}

// decodeMask Mask解码
//
// # Params:
//
//	cand: 候选结果
//	protos: 模型输出的 Mask 原型图
//	c: 原型掩码的通道数
//	h: 单个原型掩码的高度
//	w: 单个原型掩码的宽度
//	params: 图片尺寸信息
func (e *SegEngine) decodeMask(cand candidate, protos []float32, c, h, w int, params imageParams) *image.Gray {
	finalMask := image.NewGray(image.Rect(0, 0, params.origW, params.origH))

	// Mask 原型图相对于 InputSize 的缩放比例
	maskStride := float32(e.config.InputSize) / float32(w)

	origBox := cand.origBox
	coeffs := cand.maskCoeffs
	c = min(c, len(coeffs))
	for y := origBox.Min.Y; y < origBox.Max.Y; y++ {
		for x := origBox.Min.X; x < origBox.Max.X; x++ {
			mx := int(float32(x) * params.scale / maskStride)
			my := int(float32(y) * params.scale / maskStride)

			if mx >= 0 && mx < w && my >= 0 && my < h {
				sum := float32(0.0)
				for k := 0; k < c; k++ {
					sum += coeffs[k] * protos[k*h*w+my*w+mx]
				}

				if sigmoid(sum) > e.config.MaskThreshold {
					finalMask.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
	}
	return finalMask
}
