// ============================================================================
// Substrender Soft Engine - 組件格式 (Assembly)
// ============================================================================
//
// Package: internal/native/soft
// 文件: assembly.go
// 功能: 軟體引擎的組件（link data）與 link 結果（binary）的序列化
//
// 格式:
//   兩者都是 google.protobuf.Struct，以 proto 二進位編碼：
//
//   assembly = { name, inputs:[{uid,type,default}], outputs:[{uid,pattern,pixel,width,height}] }
//   binary   = { version, graphs:[ { name,
//                                    inputs: [{uid,orig,type,default}],
//                                    outputs:[{uid,orig,pattern,pixel,width,height,enabled}] } ] }
//
// 輸出的 pattern 由 OutputDesc.Channel 決定（見 patternForChannel）。
//
// ============================================================================

package soft

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native"
)

// DefaultSize 組件未宣告尺寸時的輸出邊長
const DefaultSize = 32

const binaryVersion = 1

// 支援的程序化圖樣
const (
	PatternSolid    = "solid"
	PatternGradient = "gradient"
	PatternChecker  = "checker"
	PatternNoise    = "noise"
)

// AssemblyInput 組件輸入
type AssemblyInput struct {
	UID     uint32
	Type    graph.InputType
	Default [4]float32
}

// AssemblyOutput 組件輸出
type AssemblyOutput struct {
	UID     uint32
	Pattern string
	Format  graph.OutputFormat
}

// Assembly 一個圖的組件
type Assembly struct {
	Name    string
	Inputs  []AssemblyInput
	Outputs []AssemblyOutput
}

// patternForChannel 依輸出用途挑選圖樣
func patternForChannel(channel string) string {
	switch strings.ToLower(channel) {
	case "basecolor", "diffuse", "albedo":
		return PatternChecker
	case "normal", "ambientocclusion", "ao":
		return PatternGradient
	case "roughness", "height", "metallic", "specular":
		return PatternNoise
	}
	return PatternSolid
}

func defaultPixelForChannel(channel string) graph.PixelFormat {
	switch strings.ToLower(channel) {
	case "roughness", "height", "metallic", "specular", "ambientocclusion", "ao":
		return graph.PixelL8
	}
	return graph.PixelRGBA8
}

// AssemblyFor 由圖描述產生組件
func AssemblyFor(desc *graph.Desc) *Assembly {
	a := &Assembly{Name: desc.Name}
	for _, in := range desc.Inputs {
		a.Inputs = append(a.Inputs, AssemblyInput{UID: in.UID, Type: in.Type, Default: in.Default})
	}
	for _, out := range desc.Outputs {
		f := out.Format
		if f.Pixel == graph.PixelDefault {
			f.Pixel = defaultPixelForChannel(out.Channel)
		}
		if f.Width == 0 {
			f.Width = DefaultSize
		}
		if f.Height == 0 {
			f.Height = DefaultSize
		}
		a.Outputs = append(a.Outputs, AssemblyOutput{
			UID:     out.UID,
			Pattern: patternForChannel(out.Channel),
			Format:  f,
		})
	}
	return a
}

// LinkDataFor 產生圖描述的 link data
func LinkDataFor(desc *graph.Desc) ([]byte, error) {
	return AssemblyFor(desc).Marshal()
}

// Marshal 序列化組件
func (a *Assembly) Marshal() ([]byte, error) {
	inputs := make([]any, 0, len(a.Inputs))
	for _, in := range a.Inputs {
		inputs = append(inputs, map[string]any{
			"uid":     float64(in.UID),
			"type":    in.Type.String(),
			"default": vec(in.Default),
		})
	}
	outputs := make([]any, 0, len(a.Outputs))
	for _, out := range a.Outputs {
		outputs = append(outputs, map[string]any{
			"uid":     float64(out.UID),
			"pattern": out.Pattern,
			"pixel":   out.Format.Pixel.String(),
			"width":   float64(out.Format.Width),
			"height":  float64(out.Format.Height),
		})
	}
	return marshalStruct(map[string]any{
		"name":    a.Name,
		"inputs":  inputs,
		"outputs": outputs,
	})
}

// UnmarshalAssembly 解析組件
func UnmarshalAssembly(data []byte) (*Assembly, error) {
	m, err := unmarshalStruct(data)
	if err != nil {
		return nil, errors.Wrapf(native.ErrInvalidAssembly, "decode: %v", err)
	}
	a := &Assembly{Name: str(m["name"])}
	for _, raw := range asList(m["inputs"]) {
		in := obj(raw)
		typ, err := graph.ParseInputType(str(in["type"]))
		if err != nil {
			return nil, errors.Wrapf(native.ErrInvalidAssembly, "%s: %v", a.Name, err)
		}
		a.Inputs = append(a.Inputs, AssemblyInput{
			UID:     uint32(num(in["uid"])),
			Type:    typ,
			Default: unvec(in["default"]),
		})
	}
	for _, raw := range asList(m["outputs"]) {
		out := obj(raw)
		f, err := decodeFormat(out)
		if err != nil {
			return nil, errors.Wrapf(native.ErrInvalidAssembly, "%s: %v", a.Name, err)
		}
		a.Outputs = append(a.Outputs, AssemblyOutput{
			UID:     uint32(num(out["uid"])),
			Pattern: str(out["pattern"]),
			Format:  f,
		})
	}
	return a, nil
}

// ============================================================================
// structpb helpers
// ============================================================================

func marshalStruct(m map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errors.Wrap(err, "build struct")
	}
	return proto.Marshal(st)
}

func unmarshalStruct(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}

func decodeFormat(m map[string]any) (graph.OutputFormat, error) {
	pixel, err := graph.ParsePixelFormat(str(m["pixel"]))
	if err != nil {
		return graph.OutputFormat{}, err
	}
	return graph.OutputFormat{
		Pixel:  pixel,
		Width:  int(num(m["width"])),
		Height: int(num(m["height"])),
	}, nil
}

func vec(v [4]float32) []any {
	return []any{float64(v[0]), float64(v[1]), float64(v[2]), float64(v[3])}
}

func unvec(raw any) [4]float32 {
	var v [4]float32
	for i, x := range asList(raw) {
		if i >= 4 {
			break
		}
		v[i] = float32(num(x))
	}
	return v
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func obj(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}
