// Package config 启动时构造一次的全局配置, 由默认值叠加可选的 JSON 文件得到。
package config

import (
	"encoding/json"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/brechtBDCK/MLEJ-deseptex/acquire"
	"github.com/brechtBDCK/MLEJ-deseptex/contour"
	"github.com/brechtBDCK/MLEJ-deseptex/control"
	"github.com/brechtBDCK/MLEJ-deseptex/cutter"
	"github.com/brechtBDCK/MLEJ-deseptex/inference"
	"github.com/brechtBDCK/MLEJ-deseptex/yolov11"
)

// ErrInvalid 配置项取值非法
var ErrInvalid = errors.New("invalid config")

// Size 像素尺寸
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config 顶层配置
type Config struct {
	// Testing 使用测试图片轮换, 不联系切割机
	Testing  bool   `json:"testing"`
	LogLevel string `json:"log_level"`

	CameraSize  Size `json:"camera_size"`
	SensorSize  Size `json:"sensor_size"`
	DisplaySize Size `json:"display_size"`

	CalibrationPath   string `json:"calibration_path"`
	PerspectivePath   string `json:"perspective_path"`
	CutFilePath       string `json:"cut_file_path"`
	CutFileDevicePath string `json:"cut_file_device_path"`
	// FontPath 为空时预览不绘制状态栏
	FontPath string `json:"font_path"`

	Acquire   acquire.Config    `json:"acquire"`
	Inference inference.Config  `json:"inference"`
	Cutter    cutter.LinkConfig `json:"cutter"`
	Bed       cutter.Bed        `json:"bed"`
	Control   control.Config    `json:"control"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		LogLevel:          "info",
		CameraSize:        Size{Width: 8232, Height: 5588},
		SensorSize:        Size{Width: 3046, Height: 2067},
		DisplaySize:       Size{Width: 1600, Height: 1200},
		CalibrationPath:   "./calibration/camera_calibration.json",
		PerspectivePath:   "./calibration/persp_matrix.json",
		CutFilePath:       "./svg/test.svg",
		CutFileDevicePath: "../../svg/test.svg",
		Acquire:           acquire.DefaultConfig(false),
		Inference:         inference.DefaultConfig(),
		Cutter:            cutter.DefaultLinkConfig(),
		Bed:               cutter.DefaultBed(),
		Control:           control.DefaultConfig(),
	}
}

// Load 读取配置文件, path 为空时返回默认配置
//
// 文件中的 ${VAR} 先按环境变量展开, 文件里出现的字段覆盖默认值, 其余保持默认。
// 列表和映射整体替换。时长写成 "100ms" 这样的字符串。
func Load(path string, testing bool) (*Config, error) {
	cfg := Default()
	if testing {
		cfg.Testing = true
	}
	if path != "" {
		buf, err := envsubst.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading config %s", path)
		}
		if err := cfg.overlay(buf); err != nil {
			return nil, errors.Wrapf(err, "error parsing config %s", path)
		}
		if testing {
			cfg.Testing = true
		}
	}
	cfg.applyMode()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay 把 JSON 叠加到当前值上
func (c *Config) overlay(buf []byte) error {
	var attrs map[string]interface{}
	if err := json.Unmarshal(buf, &attrs); err != nil {
		return err
	}
	// 测试模式的采集周期默认值不同, 先按文件里的 testing 调整
	if t, ok := attrs["testing"].(bool); ok && t && !c.Testing {
		c.Testing = true
	}
	c.applyMode()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      c,
		ZeroFields:  true,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(attrs)
}

// applyMode 测试模式下相机尺寸等于传感器尺寸, 并使用固定的发布周期
func (c *Config) applyMode() {
	if !c.Testing {
		return
	}
	c.CameraSize = c.SensorSize
	if c.Acquire.Period == 0 {
		c.Acquire.Period = acquire.DefaultConfig(true).Period
	}
}

// AcquireConfig 采集配置, 相机分辨率取自 camera_size
func (c *Config) AcquireConfig() acquire.Config {
	cfg := c.Acquire
	cfg.Device.Width, cfg.Device.Height = c.CameraSize.Width, c.CameraSize.Height
	return cfg
}

// Sensor 传感器空间
func (c *Config) Sensor() contour.Space {
	return contour.Sensor(c.SensorSize.Width, c.SensorSize.Height)
}

// Display 显示空间
func (c *Config) Display() contour.Space {
	return contour.Display(c.DisplaySize.Width, c.DisplaySize.Height)
}

// Validate 一次报告全部非法项
func (c *Config) Validate() error {
	var err error
	invalid := func(format string, args ...interface{}) {
		err = multierr.Append(err, errors.Wrapf(ErrInvalid, format, args...))
	}

	sizes := []struct {
		name string
		size Size
	}{
		{"camera_size", c.CameraSize},
		{"sensor_size", c.SensorSize},
		{"display_size", c.DisplaySize},
	}
	for _, s := range sizes {
		if s.size.Width <= 0 || s.size.Height <= 0 {
			invalid("%s %dx%d must be positive", s.name, s.size.Width, s.size.Height)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		invalid("log_level %q", c.LogLevel)
	}
	if c.CutFilePath == "" {
		invalid("cut_file_path is required")
	}
	if !c.Testing && c.CutFileDevicePath == "" {
		invalid("cut_file_device_path is required")
	}
	if c.Bed.Width <= 0 || c.Bed.Height <= 0 {
		invalid("bed %dx%d must be positive", c.Bed.Width, c.Bed.Height)
	}

	if c.Testing && len(c.Acquire.TestImages) == 0 {
		invalid("acquire.test_images is required in testing mode")
	}
	if c.Acquire.IdlePoll <= 0 {
		invalid("acquire.idle_poll must be positive")
	}
	if c.Acquire.Period < 0 {
		invalid("acquire.period must not be negative")
	}
	if !c.Testing && c.Acquire.Device.OpenTries < 1 {
		invalid("acquire.device.open_tries must be at least 1")
	}

	inf := c.Inference
	models := []struct {
		name  string
		model yolov11.Config
	}{
		{"inference.classifier", inf.Classifier},
		{"inference.pants_front.model", inf.PantsFront.Model},
		{"inference.pants_back.model", inf.PantsBack.Model},
		{"inference.shirt.model", inf.Shirt.Model},
	}
	for _, m := range models {
		if m.model.ModelPath == "" {
			invalid("%s.model_path is required", m.name)
		}
		if m.model.InputSize <= 0 {
			invalid("%s.input_size must be positive", m.name)
		}
	}
	for i, label := range inf.Labels {
		if inference.ParseGarment(label) == inference.NoDecision {
			invalid("inference.classifier_labels[%d] %q is not a garment", i, label)
		}
	}
	if inf.DilateKernel < 1 {
		invalid("inference.dilate_kernel must be at least 1")
	}
	if inf.DilateIterations < 0 {
		invalid("inference.dilate_iterations must not be negative")
	}

	if p := c.Cutter.OutPort; p < 1 || p > 65535 {
		invalid("cutter.out_port %d outside 1..65535", p)
	}
	if p := c.Cutter.InPort; p < 1 || p > 65535 {
		invalid("cutter.in_port %d outside 1..65535", p)
	}
	if c.Cutter.DeviceIP == "" {
		invalid("cutter.device_ip is required")
	}
	if c.Cutter.Timeout <= 0 {
		invalid("cutter.timeout must be positive")
	}

	if c.Control.RefreshInterval <= 0 {
		invalid("control.refresh_interval must be positive")
	}
	if c.Control.HitRadius <= 0 {
		invalid("control.hit_radius must be positive")
	}
	if _, kerr := c.Control.Keymap(); kerr != nil {
		invalid("control.keys: %v", kerr)
	}
	return err
}
