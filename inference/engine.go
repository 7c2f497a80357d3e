// Package inference 两阶段推理: 分类器决定服装类型, 再用对应的分割模型找出切割特征并提取轮廓。
package inference

import (
	"image"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/brechtBDCK/MLEJ-deseptex/contour"
	"github.com/brechtBDCK/MLEJ-deseptex/yolov11"
)

// Classifier 返回完整的类别概率分布; 没有输出时返回空切片
type Classifier interface {
	Probabilities(img image.Image) ([]float32, error)
}

// Segmenter 分割模型
type Segmenter interface {
	Predict(img image.Image) ([]yolov11.SegResult, error)
}

// Route 服装类型对应的分割模型和相关类别
type Route struct {
	Segmenter Segmenter
	Relevant  []int
}

// RouteConfig 分割模型参数与相关类别下标
type RouteConfig struct {
	Model    yolov11.Config `json:"model"`
	Relevant []int          `json:"relevant"`
}

// Config 推理参数
type Config struct {
	Classifier yolov11.Config `json:"classifier"`
	// Labels 分类器输出下标对应的标签; 为空时使用模型元数据中的类别名
	Labels     []string    `json:"classifier_labels"`
	PantsFront RouteConfig `json:"pants_front"`
	PantsBack  RouteConfig `json:"pants_back"`
	Shirt      RouteConfig `json:"shirt"`

	// 膨胀用的矩形结构元素边长和迭代次数
	DilateKernel     int `json:"dilate_kernel"`
	DilateIterations int `json:"dilate_iterations"`
}

// DefaultConfig 默认推理参数
func DefaultConfig() Config {
	seg := func(path string, relevant ...int) RouteConfig {
		cfg := yolov11.DefaultSegConfig()
		cfg.ModelPath = path
		return RouteConfig{Model: cfg, Relevant: relevant}
	}
	return Config{
		Classifier: yolov11.DefaultClsConfig(),
		// 纽扣, 铆钉, 拉链头
		PantsFront: seg("./models/pants_avant_v3_1.onnx", 1, 2, 5),
		// 纽扣, 铆钉
		PantsBack: seg("./models/pants_arriere_v1_1.onnx", 1, 2),
		// 纽扣, 袖口
		Shirt:            seg("./models/chemises_v2_1.onnx", 1, 3),
		DilateKernel:     3,
		DilateIterations: 12,
	}
}

// labelSource 模型自带的类别名
type labelSource interface {
	Names() []string
}

// resolveLabels 配置的标签优先, 否则取模型的类别名; 两者都没有时无法路由
func resolveLabels(configured []string, model labelSource, logger *zap.SugaredLogger) ([]string, error) {
	if len(configured) > 0 {
		return configured, nil
	}
	names := model.Names()
	if len(names) == 0 {
		return nil, errors.New("classifier model has no class names; set classifier_labels")
	}
	for i, name := range names {
		if ParseGarment(name) == NoDecision {
			logger.Warnw("classifier label is not a garment", "index", i, "label", name)
		}
	}
	return names, nil
}

// Routes 按服装类型列出分割路由配置
func (c Config) Routes() map[Garment]RouteConfig {
	return map[Garment]RouteConfig{
		PantsFront: c.PantsFront,
		PantsBack:  c.PantsBack,
		Shirt:      c.Shirt,
	}
}

// Result 一次推理的结果, Set 位于传感器空间
type Result struct {
	Garment Garment
	Set     *contour.Set
}

// Engine 推理引擎
type Engine struct {
	classifier Classifier
	routes     map[Garment]Route
	labels     []string
	kernel     int
	iterations int
	logger     *zap.SugaredLogger
	destroy    []func() error
}

// New 使用现成的模型创建引擎
func New(cfg Config, classifier Classifier, routes map[Garment]Route, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		classifier: classifier,
		routes:     routes,
		labels:     cfg.Labels,
		kernel:     cfg.DilateKernel,
		iterations: cfg.DilateIterations,
		logger:     logger,
	}
}

// NewFromConfig 加载分类模型和三个分割模型
func NewFromConfig(cfg Config, logger *zap.SugaredLogger) (_ *Engine, err error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var destroy []func() error
	defer func() {
		if err != nil {
			for _, fn := range destroy {
				err = multierr.Append(err, fn())
			}
		}
	}()

	cls, err := yolov11.NewClsEngine(cfg.Classifier)
	if err != nil {
		return nil, errors.Wrapf(err, "loading classifier %s", cfg.Classifier.ModelPath)
	}
	destroy = append(destroy, cls.Destroy)
	if cfg.Labels, err = resolveLabels(cfg.Labels, cls, logger); err != nil {
		return nil, errors.Wrapf(err, "classifier %s", cfg.Classifier.ModelPath)
	}

	routes := make(map[Garment]Route)
	for g, rc := range cfg.Routes() {
		seg, err := yolov11.NewSegEngine(rc.Model, logger.With("garment", g.String()))
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s segmentation model %s", g, rc.Model.ModelPath)
		}
		destroy = append(destroy, seg.Destroy)
		routes[g] = Route{Segmenter: seg, Relevant: rc.Relevant}
	}

	e := New(cfg, cls, routes, logger)
	e.destroy = destroy
	logger.Infow("inference models loaded", "classifier", cfg.Classifier.ModelPath, "labels", cfg.Labels, "routes", len(routes))
	return e, nil
}

// Close 释放所有 ONNX 会话
func (e *Engine) Close() error {
	var err error
	for _, fn := range e.destroy {
		err = multierr.Append(err, fn())
	}
	e.destroy = nil
	return err
}

// Classify 取概率最大的类别, 并列时取下标小的
func (e *Engine) Classify(img image.Image) Garment {
	probs, err := e.classifier.Probabilities(img)
	if err != nil {
		e.logger.Warnw("classification failed", "error", err)
		return NoDecision
	}
	if len(probs) == 0 {
		e.logger.Debug("classifier produced no probabilities")
		return NoDecision
	}
	best := argmax(probs)
	if best >= len(e.labels) {
		e.logger.Warnw("classifier index outside label table", "index", best, "labels", len(e.labels))
		return NoDecision
	}
	g := ParseGarment(e.labels[best])
	e.logger.Debugw("classified", "label", e.labels[best], "garment", g, "probability", probs[best])
	return g
}

func argmax(probs []float32) int {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}

// SelectModel 查路由表, 没有路由的类型 (Other, NoDecision) 返回 false
func (e *Engine) SelectModel(g Garment) (Route, bool) {
	r, ok := e.routes[g]
	if !ok || r.Segmenter == nil {
		return Route{}, false
	}
	return r, true
}

// Segment 运行所选分割模型
func (e *Engine) Segment(img image.Image, route Route) ([]yolov11.SegResult, error) {
	if route.Segmenter == nil {
		return nil, errors.New("route has no segmentation model")
	}
	return route.Segmenter.Predict(img)
}

// Postprocess 合并相关类别的 Mask, 膨胀后提取外轮廓
func (e *Engine) Postprocess(bounds image.Rectangle, dets []yolov11.SegResult, relevant []int) ([]contour.Polygon, error) {
	canvas, used := mergeMasks(bounds, dets, relevant)
	if used == 0 {
		return nil, nil
	}
	return outerContours(canvas, e.kernel, e.iterations)
}

// Run 完整流程; 任何一步没有结果都返回空集合, 不返回错误
func (e *Engine) Run(img image.Image) Result {
	b := img.Bounds()
	res := Result{Garment: e.Classify(img), Set: contour.NewSet(contour.Sensor(b.Dx(), b.Dy()))}
	route, ok := e.SelectModel(res.Garment)
	if !ok {
		return res
	}
	dets, err := e.Segment(img, route)
	if err != nil {
		e.logger.Warnw("segmentation failed", "garment", res.Garment, "error", err)
		return res
	}
	polys, err := e.Postprocess(b, dets, route.Relevant)
	if err != nil {
		e.logger.Warnw("contour extraction failed", "garment", res.Garment, "error", err)
		return res
	}
	res.Set.Polygons = polys
	e.logger.Infow("inference done", "garment", res.Garment, "detections", len(dets), "contours", len(polys))
	return res
}

// RunRaw 每个检测各取一条 Mask 外轮廓, 不过滤类别也不膨胀, 用于检查模型输出
func (e *Engine) RunRaw(img image.Image) Result {
	b := img.Bounds()
	res := Result{Garment: e.Classify(img), Set: contour.NewSet(contour.Sensor(b.Dx(), b.Dy()))}
	route, ok := e.SelectModel(res.Garment)
	if !ok {
		return res
	}
	dets, err := e.Segment(img, route)
	if err != nil {
		e.logger.Warnw("segmentation failed", "garment", res.Garment, "error", err)
		return res
	}
	for _, det := range dets {
		if det.Mask == nil {
			continue
		}
		poly, err := largestContour(det.Mask)
		if err != nil {
			e.logger.Warnw("contour extraction failed", "class", det.ClassID, "error", err)
			continue
		}
		if len(poly) > 0 {
			res.Set.Polygons = append(res.Set.Polygons, poly)
		}
	}
	return res
}
