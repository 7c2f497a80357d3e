package main

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/brechtBDCK/MLEJ-deseptex/control"
)

// parseCommand 把一行控制台命令翻译成控制事件, 坐标位于显示空间
//
//	snap | edit | finish | up | quit
//	move X Y | down X Y | drag X Y
//	key NAME
func parseCommand(line string) (control.Event, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return control.Event{}, errors.New("empty command")
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	simple := map[string]control.EventKind{
		"snap":   control.Snap,
		"edit":   control.ToggleEdit,
		"finish": control.Finish,
		"up":     control.PointerUp,
		"quit":   control.Quit,
	}
	if kind, ok := simple[name]; ok {
		if len(args) != 0 {
			return control.Event{}, errors.Errorf("%s takes no arguments", name)
		}
		return control.Event{Kind: kind}, nil
	}

	pointer := map[string]control.EventKind{
		"move": control.PointerMove,
		"down": control.PointerDown,
		"drag": control.PointerDrag,
	}
	if kind, ok := pointer[name]; ok {
		if len(args) != 2 {
			return control.Event{}, errors.Errorf("usage: %s X Y", name)
		}
		x, err := strconv.Atoi(args[0])
		if err != nil {
			return control.Event{}, errors.Wrapf(err, "%s: bad X", name)
		}
		y, err := strconv.Atoi(args[1])
		if err != nil {
			return control.Event{}, errors.Wrapf(err, "%s: bad Y", name)
		}
		return control.Event{Kind: kind, X: x, Y: y}, nil
	}

	if name == "key" {
		if len(args) != 1 {
			return control.Event{}, errors.New("usage: key NAME")
		}
		// 按键名区分大小写, 例如 BackSpace
		return control.Event{Kind: control.Key, Key: args[0]}, nil
	}
	return control.Event{}, errors.Errorf("unknown command %q", name)
}

// readConsole 逐行读取命令并投递给控制循环, 输入结束时返回 nil
func readConsole(ctx context.Context, r io.Reader, events chan<- control.Event, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return errors.Wrap(err, "error reading console")
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			ev, err := parseCommand(line)
			if err != nil {
				logger.Warnw("ignoring command", "line", line, "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
			if ev.Kind == control.Quit {
				return nil
			}
		}
	}
}
