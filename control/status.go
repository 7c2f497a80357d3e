package control

import (
	"fmt"
	"strings"

	"github.com/brechtBDCK/MLEJ-deseptex/inference"
)

// Mode 控制循环对外显示的状态
type Mode int

const (
	Live Mode = iota
	Frozen
	Editing
	AcquisitionFailed
	CutterFailed
	Stopped
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Frozen:
		return "frozen"
	case Editing:
		return "editing"
	case AcquisitionFailed:
		return "acquisition failed"
	case CutterFailed:
		return "cutter failed"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Status 状态快照
type Status struct {
	Mode     Mode
	Garment  inference.Garment
	Polygons int
	Cuts     int
	Err      error
}

// Lines 状态栏文字, 有错误时第二行显示错误
func (s Status) Lines() []string {
	line := s.Mode.String()
	if s.Mode != Live && s.Mode != Stopped && s.Mode != AcquisitionFailed {
		line += fmt.Sprintf(" | %s | %d contours", s.Garment, s.Polygons)
	}
	if s.Cuts > 0 {
		line += fmt.Sprintf(" | %d cuts", s.Cuts)
	}
	lines := []string{line}
	if s.Err != nil {
		lines = append(lines, s.Err.Error())
	}
	return lines
}

// Text 单行形式, 用于日志
func (s Status) Text() string {
	return strings.Join(s.Lines(), " | ")
}
