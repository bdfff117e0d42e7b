// ============================================================================
// Substrender Graph - 圖描述 (Graph Description)
// ============================================================================
//
// Package: internal/graph
// 文件: desc.go
// 功能: 描述一個程序化材質圖（graph）的輸入/輸出介面與不透明的 link data
//
// 模型:
//   Desc (圖描述，所有實例共享，不可變)
//     ├─ Inputs  []InputDesc   每個輸入：UID、識別字、型別、預設值
//     ├─ Outputs []OutputDesc  每個輸出：UID、識別字、用途(channel)、預設格式
//     └─ LinkData []byte       由打包步驟產生的不透明組件，交給原生 linker
//
//   Instance (圖實例，使用者可修改)
//     ├─ Inputs  []*Input      目前值（數值或影像）
//     └─ Outputs []*Output     啟用旗標、dirty 旗標、格式覆寫、RenderToken 佇列
//
// 執行緒模型:
//   Desc 建立後不可變，可被任何執行緒讀取。
//
// ============================================================================

package graph

import (
	"fmt"
	"strings"
)

// InputType 輸入的資料型別
type InputType int

// 定義輸入型別常數
const (
	InputFloat InputType = iota
	InputFloat2
	InputFloat3
	InputFloat4
	InputInt
	InputInt2
	InputInt3
	InputInt4
	InputImage
)

var inputTypeNames = map[InputType]string{
	InputFloat:  "float",
	InputFloat2: "float2",
	InputFloat3: "float3",
	InputFloat4: "float4",
	InputInt:    "int",
	InputInt2:   "int2",
	InputInt3:   "int3",
	InputInt4:   "int4",
	InputImage:  "image",
}

func (t InputType) String() string {
	if name, ok := inputTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("InputType(%d)", int(t))
}

// ParseInputType 由名稱解析輸入型別
func ParseInputType(s string) (InputType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range inputTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown input type %q", s)
}

// IsImage 是否為影像輸入
func (t InputType) IsImage() bool { return t == InputImage }

// IsInteger 是否為整數輸入
func (t InputType) IsInteger() bool { return t >= InputInt && t <= InputInt4 }

// Components 數值分量個數（影像為 0）
func (t InputType) Components() int {
	switch t {
	case InputFloat, InputInt:
		return 1
	case InputFloat2, InputInt2:
		return 2
	case InputFloat3, InputInt3:
		return 3
	case InputFloat4, InputInt4:
		return 4
	}
	return 0
}

// PixelFormat 輸出像素格式
type PixelFormat int

// 定義像素格式常數
const (
	PixelDefault PixelFormat = iota // 使用組件中宣告的格式
	PixelRGBA8
	PixelL8
)

func (p PixelFormat) String() string {
	switch p {
	case PixelDefault:
		return "default"
	case PixelRGBA8:
		return "rgba8"
	case PixelL8:
		return "l8"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(p))
}

// ParsePixelFormat 由名稱解析像素格式
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PixelDefault, nil
	case "rgba8", "rgba":
		return PixelRGBA8, nil
	case "l8", "gray", "grey":
		return PixelL8, nil
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

// OutputFormat 輸出格式；零值代表「不覆寫」
type OutputFormat struct {
	Pixel  PixelFormat
	Width  int
	Height int
}

// IsZero 是否為零值（不覆寫）
func (f OutputFormat) IsZero() bool {
	return f == OutputFormat{}
}

func (f OutputFormat) String() string {
	if f.IsZero() {
		return "default"
	}
	return fmt.Sprintf("%s %dx%d", f.Pixel, f.Width, f.Height)
}

// InputDesc 輸入描述
type InputDesc struct {
	UID        uint32
	Identifier string
	Type       InputType
	Default    [4]float32
	// CacheAlways 即使值未改變也要在 delta 中記錄（僅供引擎快取使用）
	CacheAlways bool
}

// OutputDesc 輸出描述
type OutputDesc struct {
	UID        uint32
	Identifier string
	Channel    string // 用途，例如 basecolor / normal / roughness
	Format     OutputFormat
}

// Desc 圖描述（所有實例共享）
type Desc struct {
	Name     string
	Inputs   []InputDesc
	Outputs  []OutputDesc
	LinkData []byte
}

// InputIndex 依識別字查找輸入索引，找不到返回 -1
func (d *Desc) InputIndex(identifier string) int {
	for i := range d.Inputs {
		if d.Inputs[i].Identifier == identifier {
			return i
		}
	}
	return -1
}

// OutputIndex 依識別字查找輸出索引，找不到返回 -1
func (d *Desc) OutputIndex(identifier string) int {
	for i := range d.Outputs {
		if d.Outputs[i].Identifier == identifier {
			return i
		}
	}
	return -1
}
