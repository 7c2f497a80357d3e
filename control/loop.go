package control

import (
	"context"
	"image"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/brechtBDCK/MLEJ-deseptex/contour"
	"github.com/brechtBDCK/MLEJ-deseptex/framechan"
	"github.com/brechtBDCK/MLEJ-deseptex/inference"
)

// Acquirer 采集协程的生命周期接口, acquire.Acquirer 实现了它
type Acquirer interface {
	Done() <-chan struct{}
	Err() error
	Stop()
	Wait() error
}

// Inferencer 推理接口, 不返回错误
type Inferencer interface {
	Run(img image.Image) inference.Result
}

// CutWriter 写切割文件
type CutWriter interface {
	WriteFile(path string, set *contour.Set) error
}

// Cutter 切割机控制
type Cutter interface {
	Start(ctx context.Context) error
	LoadFile(ctx context.Context, path string) error
}

// Pipeline 控制循环依赖的组件
type Pipeline struct {
	Channel  *framechan.Channel
	Acquirer Acquirer
	Engine   Inferencer
	Mapper   CutWriter
	// Cutter 为 nil 时只写切割文件, 不联系切割机
	Cutter   Cutter
	Renderer *Renderer
	Display  Display
}

// Paths 切割文件在本地和切割机一侧的路径
type Paths struct {
	CutFile       string
	DeviceCutFile string
}

// Option 可选参数
type Option func(*Loop)

// WithClock 替换时钟
func WithClock(clk clock.Clock) Option {
	return func(l *Loop) {
		l.clock = clk
	}
}

// Loop 控制循环
type Loop struct {
	cfg     Config
	keymap  Keymap
	p       Pipeline
	sensor  contour.Space
	display contour.Space
	paths   Paths
	logger  *zap.SugaredLogger
	clock   clock.Clock
	events  chan Event

	// 以下字段只在 Run 所在协程访问
	live    *framechan.Frame
	frozen  *framechan.Frame
	lastSeq uint64
	session *contour.Session
	editing bool
	pointer image.Point
	hover   *image.Point
	dirty   bool
	acqErr  error

	mu     sync.Mutex
	status Status
}

// New 创建控制循环
func New(cfg Config, p Pipeline, display contour.Space, paths Paths, logger *zap.SugaredLogger, opts ...Option) (*Loop, error) {
	if p.Channel == nil || p.Acquirer == nil || p.Engine == nil || p.Mapper == nil {
		return nil, errors.New("control loop needs a channel, an acquirer, an inference engine and a cut writer")
	}
	if !display.Valid() {
		return nil, errors.Errorf("invalid display size %dx%d", display.Width, display.Height)
	}
	if cfg.RefreshInterval <= 0 {
		return nil, errors.New("refresh interval must be positive")
	}
	keymap, err := cfg.Keymap()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w, h := p.Channel.Size()
	l := &Loop{
		cfg:     cfg,
		keymap:  keymap,
		p:       p,
		sensor:  contour.Sensor(w, h),
		display: display,
		paths:   paths,
		logger:  logger,
		clock:   clock.New(),
		events:  make(chan Event, 64),
		live:    framechan.NewFrame(w, h),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Events 输入事件通道
func (l *Loop) Events() chan<- Event {
	return l.events
}

// Status 可在任意协程调用
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) updateStatus(fn func(*Status)) {
	l.mu.Lock()
	fn(&l.status)
	l.mu.Unlock()
	l.dirty = true
}

func (l *Loop) setMode(m Mode, err error) {
	l.updateStatus(func(s *Status) {
		s.Mode, s.Err = m, err
	})
}

// Run 运行直到收到 Quit 或 ctx 取消, 退出前等待采集协程结束并释放共享缓冲
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.cfg.RefreshInterval)
	defer ticker.Stop()
	acqDone := l.p.Acquirer.Done()

	l.refresh()
	l.render()
	for {
		select {
		case <-ctx.Done():
			return l.shutdown()
		case ev := <-l.events:
			if ev.Kind == Quit {
				return l.shutdown()
			}
			l.handle(ctx, ev)
		case <-ticker.C:
			if l.p.Channel.Running() {
				l.refresh()
			}
		case <-acqDone:
			acqDone = nil
			l.acquirerExited()
		}
		l.render()
	}
}

func (l *Loop) shutdown() error {
	l.p.Acquirer.Stop()
	err := l.p.Acquirer.Wait()
	l.p.Channel.Release()
	l.setMode(Stopped, err)
	l.render()
	l.logger.Info("control loop stopped")
	return err
}

func (l *Loop) acquirerExited() {
	err := l.p.Acquirer.Err()
	if err == nil {
		err = errors.New("acquisition stopped unexpectedly")
	}
	l.acqErr = err
	l.logger.Errorw("acquirer exited", "error", err)
	l.setMode(AcquisitionFailed, err)
}

// refresh 共享缓冲有新帧时拷出
func (l *Loop) refresh() {
	seq := l.p.Channel.Seq()
	if seq == l.lastSeq && l.lastSeq != 0 {
		return
	}
	if err := l.p.Channel.SnapshotInto(l.live); err != nil {
		l.logger.Warnw("frame snapshot failed", "error", err)
		return
	}
	l.lastSeq = seq
	l.dirty = true
}

func (l *Loop) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case Snap:
		if l.p.Channel.Running() {
			l.snap()
		} else {
			l.resume()
		}
	case ToggleEdit:
		if l.session == nil {
			return
		}
		l.editing = !l.editing
		l.hover = nil
		l.setMode(l.frozenMode(), nil)
	case Finish:
		l.finish(ctx)
	case PointerMove:
		l.pointer = image.Pt(ev.X, ev.Y)
		if l.editing {
			l.hover = l.nearestVertex(ev.X, ev.Y)
			l.dirty = true
		}
	case PointerDown:
		l.pointer = image.Pt(ev.X, ev.Y)
		if l.editing && l.session.BeginDrag(ev.X, ev.Y) {
			l.hover = l.nearestVertex(ev.X, ev.Y)
			l.dirty = true
		}
	case PointerDrag:
		l.pointer = image.Pt(ev.X, ev.Y)
		if l.editing && l.session.DragTo(ev.X, ev.Y) {
			p := l.pointer
			l.hover = &p
		}
	case PointerUp:
		if l.session != nil {
			l.session.EndDrag()
		}
		l.hover = nil
		l.dirty = true
	case Key:
		if l.editing {
			l.keyAction(ev.Key)
		}
	default:
		l.logger.Debugw("ignoring event", "event", ev.Kind)
	}
}

func (l *Loop) frozenMode() Mode {
	if l.editing {
		return Editing
	}
	return Frozen
}

func (l *Loop) liveMode() (Mode, error) {
	if l.acqErr != nil {
		return AcquisitionFailed, l.acqErr
	}
	return Live, nil
}

// snap 拷出当前帧, 推理, 把轮廓换算到显示空间后开始编辑会话
func (l *Loop) snap() {
	l.p.Channel.SetRunning(false)
	frame, err := l.p.Channel.Snapshot()
	if err != nil {
		l.logger.Errorw("snapshot failed", "error", err)
		l.p.Channel.SetRunning(true)
		return
	}
	l.frozen = frame

	res := l.p.Engine.Run(frame)
	set := res.Set
	if set == nil {
		set = contour.NewSet(l.sensor)
	}
	shown, err := contour.Rescale(set, l.display)
	if err != nil {
		l.logger.Errorw("rescaling contours to display failed", "error", err)
		shown = contour.NewSet(l.display)
	}
	l.session = contour.NewSession(shown,
		contour.WithRadius(l.cfg.HitRadius),
		contour.WithNotify(func(contour.Change) { l.dirty = true }))
	l.editing = false
	l.hover = nil
	l.updateStatus(func(s *Status) {
		s.Mode, s.Err = Frozen, nil
		s.Garment = res.Garment
		s.Polygons = shown.Len()
	})
	l.logger.Infow("snapped", "garment", res.Garment, "contours", shown.Len())
}

func (l *Loop) resume() {
	l.session = nil
	l.frozen = nil
	l.editing = false
	l.hover = nil
	l.lastSeq = 0
	l.p.Channel.SetRunning(true)
	mode, err := l.liveMode()
	l.updateStatus(func(s *Status) {
		s.Mode, s.Err = mode, err
		s.Garment = inference.NoDecision
		s.Polygons = 0
	})
	l.refresh()
}

func (l *Loop) nearestVertex(x, y int) *image.Point {
	if l.session == nil {
		return nil
	}
	h, ok := l.session.FindNearest(x, y)
	if !ok {
		return nil
	}
	poly, _ := l.session.Polygon(h.Polygon)
	p := poly[h.Point]
	return &p
}

func (l *Loop) keyAction(key string) {
	action, ok := l.keymap[key]
	if !ok {
		return
	}
	x, y := l.pointer.X, l.pointer.Y
	switch action {
	case DeleteNearestPoint:
		if h, ok := l.session.FindNearest(x, y); ok && l.session.DeletePoint(h.Polygon, h.Point) {
			l.hover = nil
		}
	case DeleteNearestPolygon:
		if h, ok := l.session.FindNearest(x, y); ok && l.session.DeletePolygon(h.Polygon) {
			l.hover = nil
		}
	case InsertPolygon:
		l.session.InsertPolygon(l.pointer, l.cfg.InsertHalfSize)
	}
	l.updateStatus(func(s *Status) { s.Polygons = l.session.Len() })
}

// finish 把编辑后的轮廓换回传感器空间, 写切割文件并通知切割机
func (l *Loop) finish(ctx context.Context) {
	set := contour.NewSet(l.display)
	if l.session != nil {
		set = l.session.Snapshot()
	}
	sensorSet, err := contour.Rescale(set, l.sensor)
	if err != nil {
		l.cutFailed(errors.Wrap(err, "rescaling contours to sensor space"))
		return
	}
	if err := l.p.Mapper.WriteFile(l.paths.CutFile, sensorSet); err != nil {
		l.cutFailed(errors.Wrap(err, "writing cut file"))
		return
	}
	l.logger.Infow("cut file written", "path", l.paths.CutFile, "contours", sensorSet.Len())

	if l.p.Cutter != nil {
		if err := l.p.Cutter.Start(ctx); err != nil {
			l.cutFailed(errors.Wrap(err, "starting cutter"))
			return
		}
		if err := l.p.Cutter.LoadFile(ctx, l.paths.DeviceCutFile); err != nil {
			l.cutFailed(errors.Wrap(err, "loading cut file"))
			return
		}
	}

	mode, modeErr := l.liveMode()
	if l.session != nil {
		mode, modeErr = l.frozenMode(), nil
	}
	l.updateStatus(func(s *Status) {
		s.Mode, s.Err = mode, modeErr
		s.Cuts++
	})
}

func (l *Loop) cutFailed(err error) {
	l.logger.Errorw("cut failed", "error", err)
	l.setMode(CutterFailed, err)
}

// render 有变化时重绘
func (l *Loop) render() {
	if !l.dirty || l.p.Renderer == nil || l.p.Display == nil {
		return
	}
	l.dirty = false

	scene := Scene{Frame: l.live, Hover: l.hover, Editing: l.editing, Status: l.Status()}
	if l.frozen != nil {
		scene.Frame = l.frozen
	}
	if l.session != nil {
		scene.Set = l.session.Snapshot()
	}
	if err := l.p.Display.Show(l.p.Renderer.Render(scene)); err != nil {
		l.logger.Warnw("display failed", "error", err)
	}
}
