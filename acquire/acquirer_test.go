package acquire

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/brechtBDCK/MLEJ-deseptex/framechan"
)

type copyUndistorter struct{}

func (copyUndistorter) Apply(src image.Image, dst *framechan.Frame) error {
	copy(dst.Pix, framechan.FromImage(src).Pix)
	return nil
}

type fakeSource struct {
	openErr error
	nextErr error
	img     image.Image
	closed  atomic.Bool
}

func (s *fakeSource) Open(context.Context) error { return s.openErr }

func (s *fakeSource) Next(context.Context) (image.Image, error) {
	if s.nextErr != nil {
		return nil, s.nextErr
	}
	return s.img, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func testConfig() Config {
	return Config{Period: time.Millisecond, IdlePoll: time.Millisecond}
}

func TestAcquirerPublishesUndistortedFrames(t *testing.T) {
	ch := framechan.New(4, 3)
	src := &fakeSource{img: uniform(4, 3, color.RGBA{R: 1, G: 2, B: 3, A: 255})}
	a := New(testConfig(), ch, src, copyUndistorter{}, zaptest.NewLogger(t).Sugar())
	a.Start(context.Background())

	waitFor(t, func() bool { return ch.Seq() >= 2 })
	snap, err := ch.Snapshot()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.At(2, 1), test.ShouldResemble, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	a.Stop()
	test.That(t, a.Wait(), test.ShouldBeNil)
	test.That(t, a.State(), test.ShouldEqual, Stopped)
	test.That(t, src.closed.Load(), test.ShouldBeTrue)
	test.That(t, a.Published(), test.ShouldBeGreaterThanOrEqualTo, uint64(2))
}

func TestAcquirerIdleWhilePaused(t *testing.T) {
	ch := framechan.New(2, 2)
	ch.SetRunning(false)
	src := &fakeSource{img: uniform(2, 2, color.RGBA{A: 255})}
	a := New(testConfig(), ch, src, copyUndistorter{}, zaptest.NewLogger(t).Sugar())
	a.Start(context.Background())

	waitFor(t, func() bool { return a.State() == Idle })
	time.Sleep(10 * time.Millisecond)
	test.That(t, ch.Seq(), test.ShouldEqual, uint64(0))

	ch.SetRunning(true)
	waitFor(t, func() bool { return ch.Seq() > 0 })

	a.Stop()
	test.That(t, a.Wait(), test.ShouldBeNil)
}

func TestAcquirerStopInterruptsPeriod(t *testing.T) {
	ch := framechan.New(2, 2)
	cfg := Config{Period: time.Hour, IdlePoll: time.Hour}
	src := &fakeSource{img: uniform(2, 2, color.RGBA{A: 255})}
	a := New(cfg, ch, src, copyUndistorter{}, zaptest.NewLogger(t).Sugar(), WithClock(clock.New()))
	a.Start(context.Background())

	waitFor(t, func() bool { return ch.Seq() == 1 })
	a.Stop()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("acquirer did not observe shutdown")
	}
	test.That(t, a.Err(), test.ShouldBeNil)
}

func TestAcquirerContextCancel(t *testing.T) {
	ch := framechan.New(2, 2)
	src := &fakeSource{img: uniform(2, 2, color.RGBA{A: 255})}
	a := New(Config{Period: time.Hour, IdlePoll: time.Hour}, ch, src, copyUndistorter{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	waitFor(t, func() bool { return ch.Seq() == 1 })
	cancel()
	test.That(t, a.Wait(), test.ShouldBeNil)
	test.That(t, src.closed.Load(), test.ShouldBeTrue)
}

func TestAcquirerFatalErrors(t *testing.T) {
	t.Run("no device", func(t *testing.T) {
		src := &fakeSource{openErr: ErrNoDevice}
		a := New(testConfig(), framechan.New(2, 2), src, copyUndistorter{}, zaptest.NewLogger(t).Sugar())
		test.That(t, a.Err(), test.ShouldBeNil)
		a.Start(context.Background())
		err := a.Wait()
		test.That(t, errors.Is(err, ErrNoDevice), test.ShouldBeTrue)
		test.That(t, a.Err(), test.ShouldEqual, err)
		test.That(t, a.State(), test.ShouldEqual, Stopped)
		test.That(t, src.closed.Load(), test.ShouldBeTrue)
	})

	t.Run("read failure", func(t *testing.T) {
		src := &fakeSource{nextErr: errors.Wrap(ErrAcquisition, "empty buffer")}
		a := New(testConfig(), framechan.New(2, 2), src, copyUndistorter{}, zaptest.NewLogger(t).Sugar())
		a.Start(context.Background())
		test.That(t, errors.Is(a.Wait(), ErrAcquisition), test.ShouldBeTrue)
	})

	t.Run("undistort failure", func(t *testing.T) {
		src := &fakeSource{img: uniform(2, 2, color.RGBA{A: 255})}
		a := New(testConfig(), framechan.New(2, 2), src, failingUndistorter{}, zaptest.NewLogger(t).Sugar())
		a.Start(context.Background())
		test.That(t, a.Wait(), test.ShouldNotBeNil)
	})
}

type failingUndistorter struct{}

func (failingUndistorter) Apply(image.Image, *framechan.Frame) error {
	return errors.New("remap table mismatch")
}

func TestTestImageSourceRotation(t *testing.T) {
	a := uniform(1, 1, color.RGBA{R: 1, A: 255})
	b := uniform(1, 1, color.RGBA{R: 2, A: 255})
	src, err := NewTestImageSource(a, b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.Open(context.Background()), test.ShouldBeNil)

	var got []image.Image
	for i := 0; i < 3; i++ {
		img, err := src.Next(context.Background())
		test.That(t, err, test.ShouldBeNil)
		got = append(got, img)
	}
	test.That(t, got[0], test.ShouldEqual, a)
	test.That(t, got[1], test.ShouldEqual, b)
	test.That(t, got[2], test.ShouldEqual, a)

	_, err = NewTestImageSource()
	test.That(t, err, test.ShouldNotBeNil)
	_, err = LoadTestImageSource([]string{"/nonexistent/chemise.png"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDeviceSourceRetriesThenFails(t *testing.T) {
	cfg := DefaultDeviceConfig()
	cfg.OpenTries = 3
	cfg.OpenRetryWait = time.Millisecond
	s := NewDeviceSource(cfg, clock.New(), zaptest.NewLogger(t).Sugar())
	var tries int
	s.open = func(DeviceConfig) (capture, error) {
		tries++
		return nil, errors.New("no such device")
	}

	err := s.Open(context.Background())
	test.That(t, errors.Is(err, ErrNoDevice), test.ShouldBeTrue)
	test.That(t, tries, test.ShouldEqual, 3)
	test.That(t, s.Close(), test.ShouldBeNil)

	_, err = s.Next(context.Background())
	test.That(t, errors.Is(err, ErrAcquisition), test.ShouldBeTrue)
}

func TestDeviceSourceOpenHonoursContext(t *testing.T) {
	cfg := DefaultDeviceConfig()
	cfg.OpenRetryWait = time.Hour
	s := NewDeviceSource(cfg, clock.New(), nil)
	s.open = func(DeviceConfig) (capture, error) { return nil, errors.New("no such device") }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, s.Open(ctx), test.ShouldEqual, context.Canceled)
}
