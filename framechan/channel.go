// Package framechan 在采集协程 (唯一生产者) 与控制循环 (唯一消费者) 之间交接相机帧。
//
// 共享缓冲区在创建时按传感器分辨率分配, 之后只被原地覆盖, 从不重新分配。
// 所有读写都在同一把互斥锁内完成整帧拷贝, 读者不会看到写了一半的帧。
package framechan

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	// ErrSizeMismatch 帧尺寸与共享缓冲区不一致
	ErrSizeMismatch = errors.New("frame size does not match the shared buffer")
	// ErrReleased 共享缓冲区已释放
	ErrReleased = errors.New("shared frame buffer released")
)

// Channel 单生产者/单消费者的共享帧缓冲, 附带运行和退出标志
type Channel struct {
	mu  sync.Mutex
	buf *Frame

	width, height int
	seq           atomic.Uint64
	running       atomic.Bool
	shutdown      atomic.Bool
}

// New 按传感器分辨率创建共享缓冲区, 运行标志初始为置位
func New(width, height int) *Channel {
	c := &Channel{
		buf:    NewFrame(width, height),
		width:  width,
		height: height,
	}
	c.running.Store(true)
	return c
}

// Size 共享缓冲区的尺寸
func (c *Channel) Size() (width, height int) {
	return c.width, c.height
}

// Publish 生产者调用: 把 frame 整帧拷入共享缓冲区, 只在拷贝期间持锁
func (c *Channel) Publish(frame *Frame) error {
	if frame.Width != c.width || frame.Height != c.height {
		return errors.Wrapf(ErrSizeMismatch, "got %dx%d, want %dx%d", frame.Width, frame.Height, c.width, c.height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return ErrReleased
	}
	if err := c.buf.CopyFrom(frame); err != nil {
		return err
	}
	c.seq.Inc()
	return nil
}

// Snapshot 消费者调用: 返回共享缓冲区的独立拷贝
func (c *Channel) Snapshot() (*Frame, error) {
	dst := NewFrame(c.width, c.height)
	if err := c.SnapshotInto(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// SnapshotInto 与 Snapshot 相同, 但复用调用方提供的存储
func (c *Channel) SnapshotInto(dst *Frame) error {
	if dst.Width != c.width || dst.Height != c.height || len(dst.Pix) != 3*c.width*c.height {
		return errors.Wrapf(ErrSizeMismatch, "destination %dx%d", dst.Width, dst.Height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return ErrReleased
	}
	return dst.CopyFrom(c.buf)
}

// Seq 已发布的帧数, 显示刷新可据此跳过未变化的帧
func (c *Channel) Seq() uint64 {
	return c.seq.Load()
}

// SetRunning 设置或清除运行标志; 清除后采集协程在一个轮询周期内停止发布, 但不退出
func (c *Channel) SetRunning(running bool) {
	c.running.Store(running)
}

// Running 运行标志
func (c *Channel) Running() bool {
	return c.running.Load()
}

// RequestShutdown 请求采集协程退出, 可重复调用
func (c *Channel) RequestShutdown() {
	c.shutdown.Store(true)
}

// ShutdownRequested 是否已请求退出
func (c *Channel) ShutdownRequested() bool {
	return c.shutdown.Load()
}

// Release 释放共享缓冲区, 只能在生产者协程结束之后调用
func (c *Channel) Release() {
	c.mu.Lock()
	c.buf = nil
	c.mu.Unlock()
}
