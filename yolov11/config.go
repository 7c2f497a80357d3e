package yolov11

import (
	"image"

	"github.com/brechtBDCK/MLEJ-deseptex"
)

// Config 引擎的初始化参数
type Config struct {
	ModelPath          string `json:"model_path"`           // ONNX 模型路径
	OnnxRuntimeLibPath string `json:"onnxruntime_lib_path"` // ONNX Runtime 动态库路径

	// 推理参数
	ConfThreshold float32 `json:"conf_threshold"` // 置信度阈值
	IOUThreshold  float32 `json:"iou_threshold"`  // NMS IOU 阈值
	MaskThreshold float32 `json:"mask_threshold"` // Mask 二值化阈值

	// 模型参数
	InputSize     int `json:"input_size"`      // 训练时固定的输入尺寸
	NumClasses    int `json:"num_classes"`     // 类别数, 分割模型填 0 时按输出通道推出
	NumMaskCoeffs int `json:"num_mask_coeffs"` // 默认 32

	// 可选参数
	UseCuda    bool `json:"use_cuda"`    // (可选) 是否启用 CUDA
	NumThreads int  `json:"num_threads"` // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: deseptex.DefaultLibraryPath(),
		ConfThreshold:      0.25,
		IOUThreshold:       0.60,
		MaskThreshold:      0.50,
		InputSize:          640,
		NumClasses:         80,
		NumMaskCoeffs:      32,
	}
}

// DefaultSegConfig 分割的默认配置 (服装特征模型以 1280 训练, 类别数由输出通道推出)
func DefaultSegConfig() Config {
	cfg := DefaultConfig()
	cfg.InputSize = 1280
	cfg.NumClasses = 0
	return cfg
}

// DefaultClsConfig 分类的默认配置
func DefaultClsConfig() Config {
	cfg := DefaultConfig()
	cfg.InputSize = 224
	cfg.NumClasses = 3
	cfg.ModelPath = "./models/class_pants_avant_arriere_chemises_v1_1.onnx"
	return cfg
}

// imageParams 图片尺寸信息
type imageParams struct {
	origW, origH int
	scale        float32
}

// 候选结果
type candidate struct {
	origBox    image.Rectangle // 原始图片的检测框
	score      float32
	classID    int
	maskCoeffs []float32 // Mask 系数
}

// SegResult 分割结果
type SegResult struct {
	// 分类ID, 索引分割模型自己的标签表, 例如衬衫模型:
	//	1: 纽扣
	//	3: 袖口
	ClassID int
	Score   float32
	Box     image.Rectangle // 分割出的矩形区域
	Mask    *image.Gray     // 解码后的 Mask, 尺寸与原图一致
}

// ClassResult 分类结果
type ClassResult struct {
	ClassID int
	Score   float32
}
