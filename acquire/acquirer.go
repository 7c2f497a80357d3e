// Package acquire 在独立协程中持续取帧、去畸变并发布到共享帧缓冲。
package acquire

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/brechtBDCK/MLEJ-deseptex/framechan"
)

// State 采集协程状态
type State int32

const (
	Idle State = iota
	Capturing
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Undistorter 把原始图像重映射到 dst, lens.Undistorter 实现了它
type Undistorter interface {
	Apply(src image.Image, dst *framechan.Frame) error
}

// Config 采集参数
type Config struct {
	// Period 两次发布之间的等待; 相机由自身帧率节拍时为 0
	Period     time.Duration `json:"period"`
	IdlePoll   time.Duration `json:"idle_poll"`
	TestImages []string      `json:"test_images"`
	Device     DeviceConfig  `json:"device"`
}

// DefaultConfig 默认采集参数
func DefaultConfig(testing bool) Config {
	cfg := Config{
		IdlePoll: time.Second,
		TestImages: []string{
			"./test_images/chemise.png",
			"./test_images/pants_avant.png",
			"./test_images/pants_arriere.png",
		},
		Device: DefaultDeviceConfig(),
	}
	if testing {
		cfg.Period = 3 * time.Second
	}
	return cfg
}

// NewSource 按模式创建帧来源
func NewSource(cfg Config, testing bool, clk clock.Clock, logger *zap.SugaredLogger) (Source, error) {
	if testing {
		return LoadTestImageSource(cfg.TestImages)
	}
	return NewDeviceSource(cfg.Device, clk, logger), nil
}

// Option 可选参数
type Option func(*Acquirer)

// WithClock 替换时钟, 测试中使用
func WithClock(clk clock.Clock) Option {
	return func(a *Acquirer) {
		a.clock = clk
	}
}

// Acquirer 唯一的帧生产者
type Acquirer struct {
	cfg       Config
	ch        *framechan.Channel
	src       Source
	undistort Undistorter
	logger    *zap.SugaredLogger
	clock     clock.Clock

	state     atomic.Int32
	published atomic.Uint64
	wake      chan struct{}

	startOnce sync.Once
	done      chan struct{}
	err       error
}

// New 创建采集器, 调用 Start 后才开始工作
func New(cfg Config, ch *framechan.Channel, src Source, undistort Undistorter, logger *zap.SugaredLogger, opts ...Option) *Acquirer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &Acquirer{
		cfg:       cfg,
		ch:        ch,
		src:       src,
		undistort: undistort,
		logger:    logger,
		clock:     clock.New(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start 启动采集协程, 重复调用无效
func (a *Acquirer) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		go func() {
			defer close(a.done)
			a.err = a.run(ctx)
			if a.err != nil {
				a.logger.Errorw("acquisition stopped", "error", a.err)
			} else {
				a.logger.Info("acquisition stopped")
			}
		}()
	})
}

// Stop 请求退出并打断当前等待, 不等待协程结束
func (a *Acquirer) Stop() {
	a.ch.RequestShutdown()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// State 当前状态
func (a *Acquirer) State() State {
	return State(a.state.Load())
}

// Published 已发布的帧数
func (a *Acquirer) Published() uint64 {
	return a.published.Load()
}

// Done 协程退出后关闭
func (a *Acquirer) Done() <-chan struct{} {
	return a.done
}

// Err 退出原因, 正常退出为 nil; 只在 Done 关闭后有意义
func (a *Acquirer) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait 阻塞直到协程退出
func (a *Acquirer) Wait() error {
	<-a.done
	return a.err
}

func (a *Acquirer) setState(s State) {
	if old := State(a.state.Swap(int32(s))); old != s {
		a.logger.Debugw("acquirer state", "from", old, "to", s)
	}
}

func (a *Acquirer) run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, errors.Wrap(a.src.Close(), "closing frame source"))
		a.setState(Stopped)
	}()

	if err := a.src.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "opening frame source")
	}

	width, height := a.ch.Size()
	scratch := framechan.NewFrame(width, height)
	for {
		if ctx.Err() != nil || a.ch.ShutdownRequested() {
			a.setState(ShuttingDown)
			return nil
		}
		if !a.ch.Running() {
			a.setState(Idle)
			a.sleep(ctx, a.cfg.IdlePoll)
			continue
		}

		a.setState(Capturing)
		raw, err := a.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		if err := a.undistort.Apply(raw, scratch); err != nil {
			return errors.Wrap(err, "undistorting frame")
		}
		if err := a.ch.Publish(scratch); err != nil {
			return errors.Wrap(err, "publishing frame")
		}
		a.published.Inc()
		a.sleep(ctx, a.cfg.Period)
	}
}

// sleep 等待 d, Stop 或 ctx 取消时提前返回
func (a *Acquirer) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := a.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-a.wake:
	case <-t.C:
	}
}
