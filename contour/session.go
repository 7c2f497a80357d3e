package contour

import (
	"image"
)

const (
	// DefaultRadius 命中半径 (像素)
	DefaultRadius = 10
	// MinPoints 编辑时多边形至少保留的顶点数
	MinPoints = 3
)

// ChangeKind 编辑类型
type ChangeKind int

const (
	PointMoved ChangeKind = iota
	PointDeleted
	PolygonDeleted
	PolygonInserted
)

func (k ChangeKind) String() string {
	switch k {
	case PointMoved:
		return "point_moved"
	case PointDeleted:
		return "point_deleted"
	case PolygonDeleted:
		return "polygon_deleted"
	case PolygonInserted:
		return "polygon_inserted"
	}
	return "unknown"
}

// Change 一次编辑的通知, Bounds 为需要重绘的区域
type Change struct {
	Kind    ChangeKind
	Polygon int
	Point   int
	Bounds  image.Rectangle
}

// Hit 命中的顶点
type Hit struct {
	Polygon int
	Point   int
}

// Session 一次推理结果的编辑会话
//
// 会话只属于控制循环所在的协程, 不加锁; 其他协程需要读取时使用 Snapshot。
type Session struct {
	set    *Set
	radius int
	notify func(Change)

	drag     Hit
	dragging bool
}

// Option 会话选项
type Option func(*Session)

// WithRadius 设置命中半径
func WithRadius(r int) Option {
	return func(s *Session) {
		if r > 0 {
			s.radius = r
		}
	}
}

// WithNotify 每次修改后回调
func WithNotify(fn func(Change)) Option {
	return func(s *Session) {
		s.notify = fn
	}
}

// NewSession 以 set 的拷贝开始编辑
func NewSession(set *Set, opts ...Option) *Session {
	if set == nil {
		set = &Set{}
	}
	s := &Session{set: set.Clone(), radius: DefaultRadius}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Space 会话坐标系
func (s *Session) Space() Space {
	return s.set.Space
}

// Len 多边形个数
func (s *Session) Len() int {
	return len(s.set.Polygons)
}

// Polygon 第 i 个多边形的拷贝
func (s *Session) Polygon(i int) (Polygon, bool) {
	if i < 0 || i >= len(s.set.Polygons) {
		return nil, false
	}
	return s.set.Polygons[i].Clone(), true
}

// Snapshot 当前集合的深拷贝
func (s *Session) Snapshot() *Set {
	return s.set.Clone()
}

// FindNearest 顺序扫描, 返回第一个距离不超过半径的顶点
func (s *Session) FindNearest(x, y int) (Hit, bool) {
	r2 := s.radius * s.radius
	for i, poly := range s.set.Polygons {
		for j, p := range poly {
			dx, dy := p.X-x, p.Y-y
			if dx*dx+dy*dy <= r2 {
				return Hit{Polygon: i, Point: j}, true
			}
		}
	}
	return Hit{}, false
}

func (s *Session) valid(h Hit) bool {
	return h.Polygon >= 0 && h.Polygon < len(s.set.Polygons) &&
		h.Point >= 0 && h.Point < len(s.set.Polygons[h.Polygon])
}

// MovePoint 原地替换顶点
func (s *Session) MovePoint(poly, point, x, y int) bool {
	h := Hit{Polygon: poly, Point: point}
	if !s.valid(h) {
		return false
	}
	p := s.set.Polygons[poly]
	old := p[point]
	p[point] = image.Pt(x, y)
	s.emit(Change{Kind: PointMoved, Polygon: poly, Point: point, Bounds: p.Bounds().Union(Polygon{old}.Bounds())})
	return true
}

// DeletePoint 删除顶点; 只剩 MinPoints 个顶点时不删除
func (s *Session) DeletePoint(poly, point int) bool {
	h := Hit{Polygon: poly, Point: point}
	if !s.valid(h) || len(s.set.Polygons[poly]) <= MinPoints {
		return false
	}
	p := s.set.Polygons[poly]
	dirty := p.Bounds()
	s.set.Polygons[poly] = append(p[:point:point], p[point+1:]...)
	s.dragging = false
	s.emit(Change{Kind: PointDeleted, Polygon: poly, Point: point, Bounds: dirty})
	return true
}

// DeletePolygon 删除整个多边形; 删除会中断正在进行的拖动, 因为下标已失效
func (s *Session) DeletePolygon(poly int) bool {
	if poly < 0 || poly >= len(s.set.Polygons) {
		return false
	}
	dirty := s.set.Polygons[poly].Bounds()
	s.set.Polygons = append(s.set.Polygons[:poly:poly], s.set.Polygons[poly+1:]...)
	s.dragging = false
	s.emit(Change{Kind: PolygonDeleted, Polygon: poly, Point: -1, Bounds: dirty})
	return true
}

// InsertPolygon 追加一个正方形, 返回其下标
func (s *Session) InsertPolygon(center image.Point, half int) int {
	sq := Square(center, half)
	s.set.Polygons = append(s.set.Polygons, sq)
	i := len(s.set.Polygons) - 1
	s.emit(Change{Kind: PolygonInserted, Polygon: i, Point: -1, Bounds: sq.Bounds()})
	return i
}

// BeginDrag 按下时命中顶点则开始拖动
func (s *Session) BeginDrag(x, y int) bool {
	h, ok := s.FindNearest(x, y)
	s.drag, s.dragging = h, ok
	return ok
}

// DragTo 拖动中的顶点跟随指针
func (s *Session) DragTo(x, y int) bool {
	if !s.dragging {
		return false
	}
	return s.MovePoint(s.drag.Polygon, s.drag.Point, x, y)
}

// EndDrag 结束拖动
func (s *Session) EndDrag() {
	s.dragging = false
}

// Dragging 是否正在拖动
func (s *Session) Dragging() bool {
	return s.dragging
}

func (s *Session) emit(c Change) {
	if s.notify != nil {
		s.notify(c)
	}
}
