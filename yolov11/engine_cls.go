package yolov11

import (
	"fmt"
	"image"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
	"gopkg.in/yaml.v3"
)

// ClsEngine YOLOv11-cls Engine
type ClsEngine struct {
	session *ort.DynamicAdvancedSession
	config  Config
	names   []string
}

// NewClsEngine 初始化分类引擎, 同时读取模型元数据中的类别名
func NewClsEngine(cfg Config) (*ClsEngine, error) {
	session, err := newSession(cfg, []string{"images"}, []string{"output0"})
	if err != nil {
		return nil, err
	}
	names, err := readNames(cfg.ModelPath)
	if err != nil {
		_ = session.Destroy()
		return nil, err
	}

	return &ClsEngine{
		session: session,
		config:  cfg,
		names:   names,
	}, nil
}

// Names 模型导出时写入的类别名, 下标即输出下标; 模型没有该元数据时为空
func (e *ClsEngine) Names() []string {
	return append([]string(nil), e.names...)
}

// readNames 读取 ONNX 自定义元数据 names
func readNames(modelPath string) ([]string, error) {
	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, fmt.Errorf("读取模型元数据失败 (%s): %w", modelPath, err)
	}
	defer meta.Destroy()

	raw, ok, err := meta.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, fmt.Errorf("读取类别名失败 (%s): %w", modelPath, err)
	}
	if !ok {
		return nil, nil
	}
	return ParseNames(raw)
}

// ParseNames 解析类别表, 例如 {0: 'chemise', 1: 'pants_arriere', 2: 'pants_avant'}
//
// 下标必须从 0 开始连续。
func ParseNames(raw string) ([]string, error) {
	var table map[int]string
	if err := yaml.Unmarshal([]byte(raw), &table); err != nil {
		return nil, fmt.Errorf("类别表格式错误 %q: %w", raw, err)
	}
	if len(table) == 0 {
		return nil, nil
	}
	names := make([]string, len(table))
	for id, name := range table {
		if id < 0 || id >= len(names) {
			return nil, fmt.Errorf("类别下标 %d 不连续", id)
		}
		names[id] = name
	}
	return names, nil
}

// Destroy 释放相关资源
func (e *ClsEngine) Destroy() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return fmt.Errorf("销毁分类 ONNX 会话失败: %w", err)
		}
		e.session = nil
	}
	return nil
}

// Probabilities 执行分类推理, 返回完整的类别概率分布
//
// 模型没有输出时返回空切片, 调用方据此判断"无结论"。
func (e *ClsEngine) Probabilities(img image.Image) ([]float32, error) {
	// 预处理
	inputTensor, err := preprocessCls(img, e.config.InputSize)
	if err != nil {
		return nil, fmt.Errorf("预处理失败: %w", err)
	}
	defer inputTensor.Destroy()

	// 推理
	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("推理失败: %w", err)
	}
	defer destroyValues(outputs)

	if outputs[0] == nil {
		return nil, nil
	}

	// Output Shape: [1, NumClasses]
	data, _, err := tensorData(outputs[0])
	if err != nil {
		return nil, fmt.Errorf("获取输出数据失败: %w", err)
	}

	probs := make([]float32, len(data))
	copy(probs, data)
	return probs, nil
}

// Predict 执行分类推理
//
// # Params:
//
//	img: 待分类图片
//	topK: 指定返回概率最高的 K 个类别
func (e *ClsEngine) Predict(img image.Image, topK int) ([]ClassResult, error) {
	probs, err := e.Probabilities(img)
	if err != nil {
		return nil, err
	}
	return topClasses(probs, topK), nil
}

// topClasses 按概率降序取前 K 个类别, 概率相同时索引小的在前
func topClasses(probs []float32, topK int) []ClassResult {
	results := make([]ClassResult, len(probs))
	for i, score := range probs {
		results[i] = ClassResult{
			ClassID: i,
			Score:   score,
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results[:max(0, min(topK, len(results)))]
}
