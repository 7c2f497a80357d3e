package cutter

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrTimeout 等待应答超时
var ErrTimeout = errors.New("cutter did not acknowledge")

// TimeoutError 某条命令在等待时间内没有应答
type TimeoutError struct {
	Command string
	Wait    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cutter did not acknowledge %q within %s", e.Command, e.Wait)
}

// Is 使 errors.Is(err, ErrTimeout) 成立
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// LinkConfig 切割机 UDP 参数
type LinkConfig struct {
	DeviceIP string `json:"device_ip"`
	OutPort  int    `json:"out_port"`
	InPort   int    `json:"in_port"`
	// ListenIP 应答端口绑定的地址, 为空时绑定所有地址
	ListenIP string        `json:"listen_ip"`
	Timeout  time.Duration `json:"timeout"`
	// StrictSource 只接受来自 DeviceIP 的应答
	StrictSource bool `json:"strict_source"`
}

// DefaultLinkConfig 默认参数
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		DeviceIP:     "127.0.0.1",
		OutPort:      19840,
		InPort:       19841,
		Timeout:      5 * time.Second,
		StrictSource: true,
	}
}

const (
	cmdStart    = "START"
	cmdLoadFile = "LOADFILE:"
)

// Link 请求/应答式的切割机控制, 同一时间只有一条命令在等待应答
type Link struct {
	cfg    LinkConfig
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

// NewLink 创建连接, 每条命令各自打开和关闭套接字
func NewLink(cfg LinkConfig, logger *zap.SugaredLogger) *Link {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Link{cfg: cfg, logger: logger}
}

// Start 启动切割机
func (l *Link) Start(ctx context.Context) error {
	return l.request(ctx, cmdStart)
}

// LoadFile 让切割机加载切割文件, path 为切割机一侧的路径
func (l *Link) LoadFile(ctx context.Context, path string) error {
	return l.request(ctx, cmdLoadFile+path)
}

func (l *Link) request(ctx context.Context, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	device, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(l.cfg.DeviceIP, strconv.Itoa(l.cfg.OutPort)))
	if err != nil {
		return errors.Wrapf(err, "resolving cutter address %s", l.cfg.DeviceIP)
	}

	// 先绑定应答端口再发送, 避免错过应答
	var lc net.ListenConfig
	in, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(l.cfg.ListenIP, strconv.Itoa(l.cfg.InPort)))
	if err != nil {
		return errors.Wrapf(err, "binding acknowledge port %d", l.cfg.InPort)
	}
	defer in.Close()

	var d net.Dialer
	out, err := d.DialContext(ctx, "udp4", device.String())
	if err != nil {
		return errors.Wrap(err, "opening command socket")
	}
	defer out.Close()

	if _, err := out.Write([]byte(cmd)); err != nil {
		return errors.Wrapf(err, "sending %q", cmd)
	}
	l.logger.Debugw("cutter command sent", "command", cmd, "device", device)

	wait := l.cfg.Timeout
	if wait <= 0 {
		wait = DefaultLinkConfig().Timeout
	}
	if err := in.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return errors.Wrap(err, "setting acknowledge deadline")
	}
	stop := context.AfterFunc(ctx, func() {
		_ = in.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 1024)
	for {
		n, from, err := in.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.logger.Warnw("cutter acknowledge timed out", "command", cmd, "wait", wait)
				return &TimeoutError{Command: cmd, Wait: wait}
			}
			return errors.Wrap(err, "reading acknowledge")
		}
		if l.cfg.StrictSource && !sameHost(from, device) {
			l.logger.Debugw("ignoring datagram from unexpected source", "from", from, "command", cmd)
			continue
		}
		l.logger.Infow("cutter acknowledged", "command", cmd, "reply", string(buf[:n]), "from", from)
		return nil
	}
}

func sameHost(from net.Addr, device *net.UDPAddr) bool {
	ua, ok := from.(*net.UDPAddr)
	return ok && ua.IP.Equal(device.IP)
}
