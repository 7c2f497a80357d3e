package acquire

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/up-zero/gotool/imageutil"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	// ErrNoDevice 重试结束后仍未找到相机
	ErrNoDevice = errors.New("no camera device found")
	// ErrAcquisition 读取相机缓冲失败
	ErrAcquisition = errors.New("camera acquisition failed")
)

// Source 原始帧来源
type Source interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// TestImageSource 按固定顺序循环返回预置图片, 不会失败
type TestImageSource struct {
	mu     sync.Mutex
	images []image.Image
	next   int
}

// NewTestImageSource 使用内存中的图片
func NewTestImageSource(images ...image.Image) (*TestImageSource, error) {
	if len(images) == 0 {
		return nil, errors.New("test image source needs at least one image")
	}
	return &TestImageSource{images: images}, nil
}

// LoadTestImageSource 从文件加载预置图片
func LoadTestImageSource(paths []string) (*TestImageSource, error) {
	images := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		img, err := imageutil.Open(p)
		if err != nil {
			return nil, errors.Wrapf(err, "loading test image %s", p)
		}
		images = append(images, img)
	}
	return NewTestImageSource(images...)
}

// Open implements Source.
func (s *TestImageSource) Open(context.Context) error { return nil }

// Next implements Source.
func (s *TestImageSource) Next(context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.images[s.next%len(s.images)]
	s.next++
	return img, nil
}

// Close implements Source.
func (s *TestImageSource) Close() error { return nil }

// DeviceConfig 相机设备参数
type DeviceConfig struct {
	Index int `json:"index"`
	// Width Height 由顶层配置的 camera_size 填入
	Width         int           `json:"-"`
	Height        int           `json:"-"`
	FPS           float64       `json:"fps"`
	OpenTries     int           `json:"open_tries"`
	OpenRetryWait time.Duration `json:"open_retry_wait"`
}

// DefaultDeviceConfig 默认相机参数
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Width:         8232,
		Height:        5588,
		FPS:           0.6,
		OpenTries:     6,
		OpenRetryWait: 10 * time.Second,
	}
}

// capture 相机句柄中用到的部分
type capture interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// DeviceSource 通过 gocv 读取相机
type DeviceSource struct {
	cfg    DeviceConfig
	clock  clock.Clock
	logger *zap.SugaredLogger
	open   func(DeviceConfig) (capture, error)

	dev capture
	buf gocv.Mat
}

// NewDeviceSource 创建相机来源, Open 时才真正连接设备
func NewDeviceSource(cfg DeviceConfig, clk clock.Clock, logger *zap.SugaredLogger) *DeviceSource {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DeviceSource{cfg: cfg, clock: clk, logger: logger, open: openCapture}
}

func openCapture(cfg DeviceConfig) (capture, error) {
	vc, err := gocv.OpenVideoCapture(cfg.Index)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.Errorf("device %d not opened", cfg.Index)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}
	return vc, nil
}

// Open 等待设备接入, 最多尝试 OpenTries 次
func (s *DeviceSource) Open(ctx context.Context) error {
	tries := max(1, s.cfg.OpenTries)
	for try := 1; try <= tries; try++ {
		dev, err := s.open(s.cfg)
		if err == nil {
			s.dev = dev
			s.buf = gocv.NewMat()
			s.logger.Infow("camera stream started", "index", s.cfg.Index, "try", try)
			return nil
		}
		s.logger.Warnw("waiting for a camera to be connected", "try", try, "of", tries, "wait", s.cfg.OpenRetryWait, "error", err)
		if try == tries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.OpenRetryWait):
		}
	}
	return errors.Wrapf(ErrNoDevice, "after %d tries", tries)
}

// Next 读取一帧
func (s *DeviceSource) Next(context.Context) (image.Image, error) {
	if s.dev == nil {
		return nil, errors.Wrap(ErrAcquisition, "device not open")
	}
	if ok := s.dev.Read(&s.buf); !ok || s.buf.Empty() {
		return nil, errors.Wrap(ErrAcquisition, "empty buffer from device")
	}
	img, err := s.buf.ToImage()
	if err != nil {
		return nil, errors.Wrap(ErrAcquisition, err.Error())
	}
	return img, nil
}

// Close 停止相机
func (s *DeviceSource) Close() error {
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.buf.Close()
	s.dev = nil
	return err
}
