package inference

import (
	"strings"
)

// Garment 分类器能给出的服装类型
type Garment int

const (
	// NoDecision 分类器没有结论, 后续阶段全部跳过
	NoDecision Garment = iota
	PantsFront
	PantsBack
	Shirt
	Other
)

var garmentNames = map[Garment]string{
	NoDecision: "no_decision",
	PantsFront: "pants_front",
	PantsBack:  "pants_back",
	Shirt:      "shirt",
	Other:      "other",
}

// 模型训练时使用的标签名
var garmentAliases = map[string]Garment{
	"pants_avant":   PantsFront,
	"pants_arriere": PantsBack,
	"chemise":       Shirt,
	"chemises":      Shirt,
}

func (g Garment) String() string {
	if name, ok := garmentNames[g]; ok {
		return name
	}
	return "unknown"
}

// ParseGarment 解析标签名, 未知标签返回 NoDecision
func ParseGarment(label string) Garment {
	label = strings.ToLower(strings.TrimSpace(label))
	if g, ok := garmentAliases[label]; ok {
		return g
	}
	for g, name := range garmentNames {
		if g != NoDecision && name == label {
			return g
		}
	}
	return NoDecision
}
