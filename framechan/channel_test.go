package framechan

import (
	"bytes"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func filled(w, h int, v byte) *Frame {
	f := NewFrame(w, h)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func TestPublishSnapshotExactCopy(t *testing.T) {
	ch := New(4, 3)
	src := NewFrame(4, 3)
	for i := range src.Pix {
		src.Pix[i] = byte(i * 7)
	}
	test.That(t, ch.Publish(src), test.ShouldBeNil)
	test.That(t, ch.Seq(), test.ShouldEqual, uint64(1))

	snap, err := ch.Snapshot()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bytes.Equal(snap.Pix, src.Pix), test.ShouldBeTrue)

	// 快照是私有拷贝
	snap.Pix[0] = 0xFF
	src.Pix[1] = 0xEE
	again, err := ch.Snapshot()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Pix[0], test.ShouldEqual, byte(0))
	test.That(t, again.Pix[1], test.ShouldEqual, byte(7))
}

func TestPublishRejectsWrongSize(t *testing.T) {
	ch := New(4, 3)
	err := ch.Publish(NewFrame(3, 4))
	test.That(t, errors.Is(err, ErrSizeMismatch), test.ShouldBeTrue)
	test.That(t, ch.Seq(), test.ShouldEqual, uint64(0))

	err = ch.SnapshotInto(NewFrame(2, 2))
	test.That(t, errors.Is(err, ErrSizeMismatch), test.ShouldBeTrue)
}

func TestConcurrentPublishSnapshotNeverTorn(t *testing.T) {
	const w, h = 64, 48
	ch := New(w, h)

	frames := make([]*Frame, 8)
	for i := range frames {
		frames[i] = filled(w, h, byte(i*31+1))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := ch.Publish(frames[i%len(frames)]); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	dst := NewFrame(w, h)
	for i := 0; i < 2000; i++ {
		test.That(t, ch.SnapshotInto(dst), test.ShouldBeNil)
		first := dst.Pix[0]
		for _, b := range dst.Pix {
			if b != first {
				t.Fatalf("torn read: %d != %d", b, first)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func TestFlags(t *testing.T) {
	ch := New(1, 1)
	test.That(t, ch.Running(), test.ShouldBeTrue)
	ch.SetRunning(false)
	test.That(t, ch.Running(), test.ShouldBeFalse)

	test.That(t, ch.ShutdownRequested(), test.ShouldBeFalse)
	ch.RequestShutdown()
	ch.RequestShutdown()
	test.That(t, ch.ShutdownRequested(), test.ShouldBeTrue)
}

func TestRelease(t *testing.T) {
	ch := New(2, 2)
	ch.Release()
	test.That(t, errors.Is(ch.Publish(NewFrame(2, 2)), ErrReleased), test.ShouldBeTrue)
	_, err := ch.Snapshot()
	test.That(t, errors.Is(err, ErrReleased), test.ShouldBeTrue)
}

func TestFrameImageConversion(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 2, 1))
	rgba.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	rgba.Set(1, 0, color.RGBA{R: 40, G: 50, B: 60, A: 255})

	f := FromImage(rgba)
	test.That(t, f.Pix, test.ShouldResemble, []byte{30, 20, 10, 60, 50, 40})
	test.That(t, f.At(1, 0), test.ShouldResemble, color.RGBA{R: 40, G: 50, B: 60, A: 255})
	test.That(t, f.At(5, 5), test.ShouldResemble, color.RGBA{})
	test.That(t, f.RGBA().Pix, test.ShouldResemble, rgba.Pix)
}

func TestFrameCopyFrom(t *testing.T) {
	dst := filled(3, 2, 9)
	src := NewFrame(3, 2)
	src.Set(2, 1, 10, 20, 30)
	test.That(t, dst.CopyFrom(src), test.ShouldBeNil)
	test.That(t, bytes.Equal(dst.Pix, src.Pix), test.ShouldBeTrue)

	// 源帧之后的修改不影响目标帧
	src.Set(0, 0, 1, 2, 3)
	test.That(t, dst.Pix[0], test.ShouldEqual, byte(0))

	// 尺寸不一致时保持原样
	other := filled(2, 3, 7)
	err := dst.CopyFrom(other)
	test.That(t, errors.Is(err, ErrSizeMismatch), test.ShouldBeTrue)
	test.That(t, dst.Pix[len(dst.Pix)-1], test.ShouldEqual, byte(10))
}
