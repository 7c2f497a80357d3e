// Package control 操作员侧的控制循环: 刷新画面、触发推理、编辑轮廓、发送切割。
//
// 循环在单个协程中依次处理输入事件和刷新定时器, 编辑在两个事件之间完成,
// 渲染不会看到编辑了一半的轮廓。
package control

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EventKind 事件类型
type EventKind int

const (
	// Snap 运行时: 抓取一帧并推理; 冻结时: 恢复实时画面
	Snap EventKind = iota
	ToggleEdit
	Finish
	PointerMove
	PointerDown
	PointerDrag
	PointerUp
	Key
	Quit
)

var eventNames = []string{"snap", "edit", "finish", "move", "down", "drag", "up", "key", "quit"}

func (k EventKind) String() string {
	if int(k) >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event 输入事件, 坐标位于显示空间
type Event struct {
	Kind EventKind
	X, Y int
	Key  string
}

// Action 按键动作
type Action int

const (
	NoAction Action = iota
	DeleteNearestPoint
	DeleteNearestPolygon
	InsertPolygon
)

var actionNames = map[string]Action{
	"delete_point":   DeleteNearestPoint,
	"delete_polygon": DeleteNearestPolygon,
	"insert_polygon": InsertPolygon,
}

// ParseAction 解析动作名
func ParseAction(name string) (Action, error) {
	if a, ok := actionNames[strings.ToLower(name)]; ok {
		return a, nil
	}
	return NoAction, errors.Errorf("unknown key action %q", name)
}

func (a Action) String() string {
	for name, v := range actionNames {
		if v == a {
			return name
		}
	}
	return "none"
}

// Keymap 按键名到动作
type Keymap map[string]Action

// DefaultKeymap 两个删点键、一个删多边形键、一个插入键
func DefaultKeymap() Keymap {
	return Keymap{
		"BackSpace": DeleteNearestPoint,
		"x":         DeleteNearestPoint,
		"Delete":    DeleteNearestPolygon,
		"n":         InsertPolygon,
	}
}

// Config 控制循环参数
type Config struct {
	RefreshInterval time.Duration `json:"refresh_interval"`
	HitRadius       int           `json:"hit_radius"`
	HoverRadius     int           `json:"hover_radius"`
	InsertHalfSize  int           `json:"insert_half_size"`
	// Keys 按键名到动作名, 例如 {"BackSpace": "delete_point"}
	Keys map[string]string `json:"keys"`
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	keys := make(map[string]string)
	for k, a := range DefaultKeymap() {
		keys[k] = a.String()
	}
	return Config{
		RefreshInterval: 100 * time.Millisecond,
		HitRadius:       10,
		HoverRadius:     5,
		InsertHalfSize:  10,
		Keys:            keys,
	}
}

// Keymap 解析按键配置
func (c Config) Keymap() (Keymap, error) {
	if len(c.Keys) == 0 {
		return DefaultKeymap(), nil
	}
	km := make(Keymap, len(c.Keys))
	for key, name := range c.Keys {
		a, err := ParseAction(name)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", key)
		}
		km[key] = a
	}
	return km, nil
}
