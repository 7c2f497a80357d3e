package control

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/brechtBDCK/MLEJ-deseptex/contour"
	"github.com/brechtBDCK/MLEJ-deseptex/framechan"
	"github.com/brechtBDCK/MLEJ-deseptex/inference"
)

type fakeAcquirer struct {
	done    chan struct{}
	once    sync.Once
	err     error
	stopped atomic.Bool
}

func newFakeAcquirer() *fakeAcquirer {
	return &fakeAcquirer{done: make(chan struct{})}
}

func (a *fakeAcquirer) Done() <-chan struct{} { return a.done }

func (a *fakeAcquirer) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

func (a *fakeAcquirer) Stop() {
	a.stopped.Store(true)
	a.once.Do(func() { close(a.done) })
}

func (a *fakeAcquirer) Wait() error {
	<-a.done
	return a.err
}

func (a *fakeAcquirer) fail(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

type fakeEngine struct {
	res   inference.Result
	calls int
}

func (e *fakeEngine) Run(img image.Image) inference.Result {
	e.calls++
	return inference.Result{Garment: e.res.Garment, Set: e.res.Set.Clone()}
}

type fakeMapper struct {
	path string
	set  *contour.Set
}

func (m *fakeMapper) WriteFile(path string, set *contour.Set) error {
	m.path, m.set = path, set
	return nil
}

type fakeCutter struct {
	calls []string
	err   error
}

func (c *fakeCutter) Start(context.Context) error {
	c.calls = append(c.calls, "START")
	return c.err
}

func (c *fakeCutter) LoadFile(_ context.Context, path string) error {
	c.calls = append(c.calls, "LOADFILE:"+path)
	return c.err
}

type fakeDisplay struct {
	shown atomic.Int64
}

func (d *fakeDisplay) Show(image.Image) error {
	d.shown.Inc()
	return nil
}

type harness struct {
	loop    *Loop
	ch      *framechan.Channel
	acq     *fakeAcquirer
	engine  *fakeEngine
	mapper  *fakeMapper
	cutter  *fakeCutter
	display *fakeDisplay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ch:  framechan.New(300, 200),
		acq: newFakeAcquirer(),
		engine: &fakeEngine{res: inference.Result{
			Garment: inference.Shirt,
			Set: &contour.Set{Space: contour.Sensor(300, 200), Polygons: []contour.Polygon{
				{image.Pt(20, 20), image.Pt(60, 20), image.Pt(60, 60), image.Pt(20, 60)},
			}},
		}},
		mapper:  &fakeMapper{},
		cutter:  &fakeCutter{},
		display: &fakeDisplay{},
	}
	display := contour.Display(150, 100)
	loop, err := New(DefaultConfig(), Pipeline{
		Channel:  h.ch,
		Acquirer: h.acq,
		Engine:   h.engine,
		Mapper:   h.mapper,
		Cutter:   h.cutter,
		Renderer: NewRenderer(display, 5, nil),
		Display:  h.display,
	}, display, Paths{CutFile: "./svg/test.svg", DeviceCutFile: "../../svg/test.svg"},
		zaptest.NewLogger(t).Sugar(), WithClock(clock.NewMock()))
	test.That(t, err, test.ShouldBeNil)
	h.loop = loop
	return h
}

func TestSnapEditFinish(t *testing.T) {
	h := newHarness(t)
	l := h.loop
	ctx := context.Background()

	// 编辑模式之外的编辑键无效
	l.handle(ctx, Event{Kind: Key, Key: "n"})
	test.That(t, l.session, test.ShouldBeNil)
	l.handle(ctx, Event{Kind: ToggleEdit})
	test.That(t, l.editing, test.ShouldBeFalse)

	l.handle(ctx, Event{Kind: Snap})
	test.That(t, h.engine.calls, test.ShouldEqual, 1)
	test.That(t, h.ch.Running(), test.ShouldBeFalse)
	st := l.Status()
	test.That(t, st.Mode, test.ShouldEqual, Frozen)
	test.That(t, st.Garment, test.ShouldEqual, inference.Shirt)
	test.That(t, st.Polygons, test.ShouldEqual, 1)
	poly, _ := l.session.Polygon(0)
	test.That(t, poly, test.ShouldResemble, contour.Polygon{
		image.Pt(10, 10), image.Pt(30, 10), image.Pt(30, 30), image.Pt(10, 30),
	})

	l.handle(ctx, Event{Kind: ToggleEdit})
	test.That(t, l.Status().Mode, test.ShouldEqual, Editing)

	// 在指针处插入正方形
	l.handle(ctx, Event{Kind: PointerMove, X: 100, Y: 50})
	test.That(t, l.hover, test.ShouldBeNil)
	l.handle(ctx, Event{Kind: Key, Key: "n"})
	test.That(t, l.Status().Polygons, test.ShouldEqual, 2)
	sq, _ := l.session.Polygon(1)
	test.That(t, sq, test.ShouldResemble, contour.Square(image.Pt(100, 50), 10))

	// 拖动顶点
	l.handle(ctx, Event{Kind: PointerMove, X: 11, Y: 11})
	test.That(t, *l.hover, test.ShouldResemble, image.Pt(10, 10))
	l.handle(ctx, Event{Kind: PointerDown, X: 11, Y: 11})
	l.handle(ctx, Event{Kind: PointerDrag, X: 14, Y: 12})
	l.handle(ctx, Event{Kind: PointerUp})
	poly, _ = l.session.Polygon(0)
	test.That(t, poly[0], test.ShouldResemble, image.Pt(14, 12))

	// 删除最近的顶点, 三个顶点时不再删除
	l.handle(ctx, Event{Kind: Key, Key: "BackSpace"})
	poly, _ = l.session.Polygon(0)
	test.That(t, poly, test.ShouldHaveLength, 3)
	l.handle(ctx, Event{Kind: PointerMove, X: 30, Y: 10})
	l.handle(ctx, Event{Kind: Key, Key: "x"})
	poly, _ = l.session.Polygon(0)
	test.That(t, poly, test.ShouldHaveLength, 3)

	// 删除插入的正方形
	l.handle(ctx, Event{Kind: PointerMove, X: 100, Y: 40})
	l.handle(ctx, Event{Kind: Key, Key: "Delete"})
	test.That(t, l.Status().Polygons, test.ShouldEqual, 1)

	l.handle(ctx, Event{Kind: Finish})
	test.That(t, h.mapper.path, test.ShouldEqual, "./svg/test.svg")
	test.That(t, h.mapper.set.Space, test.ShouldResemble, contour.Sensor(300, 200))
	test.That(t, h.mapper.set.Polygons, test.ShouldResemble, []contour.Polygon{
		{image.Pt(60, 20), image.Pt(60, 60), image.Pt(20, 60)},
	})
	test.That(t, h.cutter.calls, test.ShouldResemble, []string{"START", "LOADFILE:../../svg/test.svg"})
	st = l.Status()
	test.That(t, st.Cuts, test.ShouldEqual, 1)
	test.That(t, st.Mode, test.ShouldEqual, Editing)

	// 恢复实时画面
	l.handle(ctx, Event{Kind: Snap})
	test.That(t, h.ch.Running(), test.ShouldBeTrue)
	test.That(t, l.session, test.ShouldBeNil)
	test.That(t, l.Status().Mode, test.ShouldEqual, Live)
}

func TestFinishReportsCutterFailure(t *testing.T) {
	h := newHarness(t)
	h.cutter.err = errors.New("cutter did not acknowledge")
	l := h.loop

	l.handle(context.Background(), Event{Kind: Snap})
	l.handle(context.Background(), Event{Kind: Finish})
	st := l.Status()
	test.That(t, st.Mode, test.ShouldEqual, CutterFailed)
	test.That(t, st.Err, test.ShouldNotBeNil)
	test.That(t, st.Cuts, test.ShouldEqual, 0)
	test.That(t, h.cutter.calls, test.ShouldResemble, []string{"START"})
}

func TestFinishWithoutCutter(t *testing.T) {
	h := newHarness(t)
	h.loop.p.Cutter = nil
	h.loop.handle(context.Background(), Event{Kind: Finish})
	test.That(t, h.mapper.set.Len(), test.ShouldEqual, 0)
	test.That(t, h.loop.Status().Cuts, test.ShouldEqual, 1)
	test.That(t, h.loop.Status().Mode, test.ShouldEqual, Live)
}

func TestRunQuitReleasesChannel(t *testing.T) {
	h := newHarness(t)
	errc := make(chan error, 1)
	go func() { errc <- h.loop.Run(context.Background()) }()

	h.loop.Events() <- Event{Kind: Snap}
	h.loop.Events() <- Event{Kind: Quit}
	select {
	case err := <-errc:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	test.That(t, h.acq.stopped.Load(), test.ShouldBeTrue)
	_, err := h.ch.Snapshot()
	test.That(t, errors.Is(err, framechan.ErrReleased), test.ShouldBeTrue)
	test.That(t, h.loop.Status().Mode, test.ShouldEqual, Stopped)
	test.That(t, h.display.shown.Load(), test.ShouldBeGreaterThan, int64(0))
}

func TestRunSurfacesAcquisitionFailure(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.loop.Run(ctx) }()

	failure := errors.New("no camera device found")
	h.acq.fail(failure)
	deadline := time.Now().Add(5 * time.Second)
	for h.loop.Status().Mode != AcquisitionFailed {
		if time.Now().After(deadline) {
			t.Fatal("acquisition failure not surfaced")
		}
		time.Sleep(time.Millisecond)
	}
	test.That(t, h.loop.Status().Err, test.ShouldEqual, failure)

	cancel()
	test.That(t, <-errc, test.ShouldEqual, failure)
}

func TestRenderer(t *testing.T) {
	display := contour.Display(150, 100)
	r := NewRenderer(display, 5, nil)
	frame := framechan.NewFrame(300, 200)
	for i := 0; i < len(frame.Pix); i += 3 {
		frame.Pix[i+1] = 200
	}
	hover := image.Pt(100, 70)
	img := r.Render(Scene{
		Frame: frame,
		Set: &contour.Set{Space: display, Polygons: []contour.Polygon{
			{image.Pt(10, 10), image.Pt(60, 10), image.Pt(60, 60), image.Pt(10, 60)},
			{image.Pt(0, 0), image.Pt(1, 1)},
		}},
		Hover:   &hover,
		Editing: true,
	})
	test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 150, 100))
	test.That(t, img.RGBAAt(120, 30), test.ShouldResemble, color.RGBA{G: 200, A: 255})
	test.That(t, img.RGBAAt(35, 10).R, test.ShouldBeGreaterThan, uint8(200))
	test.That(t, img.RGBAAt(35, 10).G, test.ShouldBeLessThan, uint8(60))
	test.That(t, img.RGBAAt(105, 70).B, test.ShouldBeGreaterThan, uint8(100))
}

func TestKeymapConfig(t *testing.T) {
	km, err := DefaultConfig().Keymap()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, km, test.ShouldResemble, DefaultKeymap())

	cfg := DefaultConfig()
	cfg.Keys = map[string]string{"d": "explode"}
	_, err = cfg.Keymap()
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, Snap.String(), test.ShouldEqual, "snap")
	test.That(t, InsertPolygon.String(), test.ShouldEqual, "insert_polygon")
}
