// ============================================================================
// Substrender Scene - 場景檔 (Scene File)
// ============================================================================
//
// Package: internal/scene
// 文件: scene.go
// 功能: 讀取 YAML 場景檔，建立圖描述（含 link data）與圖實例
//
// 檔案格式:
//   graphs:
//     - name: wood
//       inputs:
//         - {id: level, uid: 1, type: float, default: [0.5]}
//         - {id: mask, uid: 2, type: image}
//       outputs:
//         - {id: basecolor, uid: 10, channel: basecolor, format: {pixel: rgba8, width: 64, height: 64}}
//   instances:
//     - name: wood_a
//       graph: wood
//       values: {level: [0.7]}
//       images: {mask: masks/wood.png}     # 相對於場景檔所在目錄
//       formats: {basecolor: {width: 128, height: 128}}
//       disabled: [normal]
//
// 影像輸入支援 PNG / JPEG / GIF / BMP / TIFF / WebP。
//
// ============================================================================

package scene

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // 註冊解碼器
	_ "image/jpeg" // 註冊解碼器
	_ "image/png"  // 註冊解碼器
	"log/slog"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"  // 註冊解碼器
	_ "golang.org/x/image/tiff" // 註冊解碼器
	_ "golang.org/x/image/webp" // 註冊解碼器
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native/soft"
)

var log = slog.Default()

// ErrInvalidScene 場景檔內容不合法
var ErrInvalidScene = errors.New("invalid scene")

// ============================================================================
// YAML 結構
// ============================================================================

// File 場景檔的頂層結構
type File struct {
	Graphs    []GraphSpec    `yaml:"graphs"`
	Instances []InstanceSpec `yaml:"instances"`
}

// GraphSpec 圖描述
type GraphSpec struct {
	Name    string       `yaml:"name"`
	Inputs  []InputSpec  `yaml:"inputs"`
	Outputs []OutputSpec `yaml:"outputs"`
}

// InputSpec 輸入描述
type InputSpec struct {
	Identifier  string    `yaml:"id"`
	UID         uint32    `yaml:"uid"`
	Type        string    `yaml:"type"`
	Default     []float32 `yaml:"default"`
	CacheAlways bool      `yaml:"cache_always"`
}

// OutputSpec 輸出描述
type OutputSpec struct {
	Identifier string     `yaml:"id"`
	UID        uint32     `yaml:"uid"`
	Channel    string     `yaml:"channel"`
	Format     FormatSpec `yaml:"format"`
}

// FormatSpec 輸出格式
type FormatSpec struct {
	Pixel  string `yaml:"pixel"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// InstanceSpec 圖實例
type InstanceSpec struct {
	Name     string                `yaml:"name"`
	Graph    string                `yaml:"graph"`
	Values   map[string][]float32  `yaml:"values"`
	Images   map[string]string     `yaml:"images"`
	Formats  map[string]FormatSpec `yaml:"formats"`
	Disabled []string              `yaml:"disabled"`
}

// ============================================================================
// Scene
// ============================================================================

// Instance 場景中具名的圖實例
type Instance struct {
	Name     string
	Instance *graph.Instance
}

// Scene 載入完成的場景
type Scene struct {
	Dir       string
	Descs     map[string]*graph.Desc
	Instances []Instance
}

// Graphs 依場景順序返回所有實例
func (s *Scene) Graphs() []*graph.Instance {
	out := make([]*graph.Instance, 0, len(s.Instances))
	for _, inst := range s.Instances {
		out = append(out, inst.Instance)
	}
	return out
}

// Find 依名稱查找實例
func (s *Scene) Find(name string) (*graph.Instance, bool) {
	for _, inst := range s.Instances {
		if inst.Name == name {
			return inst.Instance, true
		}
	}
	return nil, false
}

// Load 讀取場景檔
func Load(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene file: %w", err)
	}
	sc, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse 解析場景內容；dir 是影像路徑的基準目錄
func Parse(data []byte, dir string) (*Scene, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse scene YAML: %w", err)
	}
	return Build(&f, dir)
}

// Build 由已解析的結構建立場景
func Build(f *File, dir string) (*Scene, error) {
	sc := &Scene{
		Dir:   dir,
		Descs: make(map[string]*graph.Desc, len(f.Graphs)),
	}
	for i := range f.Graphs {
		desc, err := buildDesc(&f.Graphs[i])
		if err != nil {
			return nil, err
		}
		if _, dup := sc.Descs[desc.Name]; dup {
			return nil, fmt.Errorf("graph %q declared twice: %w", desc.Name, ErrInvalidScene)
		}
		sc.Descs[desc.Name] = desc
	}

	names := make(map[string]bool, len(f.Instances))
	for i := range f.Instances {
		spec := &f.Instances[i]
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s_%d", spec.Graph, i)
		}
		if names[spec.Name] {
			return nil, fmt.Errorf("instance %q declared twice: %w", spec.Name, ErrInvalidScene)
		}
		names[spec.Name] = true

		desc, ok := sc.Descs[spec.Graph]
		if !ok {
			return nil, fmt.Errorf("instance %q: unknown graph %q: %w", spec.Name, spec.Graph, ErrInvalidScene)
		}
		inst, err := buildInstance(desc, spec, dir)
		if err != nil {
			return nil, fmt.Errorf("instance %q: %w", spec.Name, err)
		}
		sc.Instances = append(sc.Instances, Instance{Name: spec.Name, Instance: inst})
	}
	return sc, nil
}

func buildDesc(spec *GraphSpec) (*graph.Desc, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("graph without name: %w", ErrInvalidScene)
	}
	desc := &graph.Desc{Name: spec.Name}
	uids := make(map[uint32]string)
	claim := func(uid uint32, id string) error {
		if uid == 0 {
			return fmt.Errorf("graph %q: %s has no uid: %w", spec.Name, id, ErrInvalidScene)
		}
		if prev, dup := uids[uid]; dup {
			return fmt.Errorf("graph %q: uid %d used by %s and %s: %w", spec.Name, uid, prev, id, ErrInvalidScene)
		}
		uids[uid] = id
		return nil
	}

	for _, in := range spec.Inputs {
		if err := claim(in.UID, in.Identifier); err != nil {
			return nil, err
		}
		t, err := graph.ParseInputType(in.Type)
		if err != nil {
			return nil, fmt.Errorf("graph %q input %s: %v: %w", spec.Name, in.Identifier, err, ErrInvalidScene)
		}
		if len(in.Default) > t.Components() {
			return nil, fmt.Errorf("graph %q input %s: %d default components for %s: %w",
				spec.Name, in.Identifier, len(in.Default), t, ErrInvalidScene)
		}
		var def [4]float32
		copy(def[:], in.Default)
		desc.Inputs = append(desc.Inputs, graph.InputDesc{
			UID:         in.UID,
			Identifier:  in.Identifier,
			Type:        t,
			Default:     def,
			CacheAlways: in.CacheAlways,
		})
	}

	for _, out := range spec.Outputs {
		if err := claim(out.UID, out.Identifier); err != nil {
			return nil, err
		}
		format, err := out.Format.toFormat()
		if err != nil {
			return nil, fmt.Errorf("graph %q output %s: %w", spec.Name, out.Identifier, err)
		}
		channel := out.Channel
		if channel == "" {
			channel = out.Identifier
		}
		desc.Outputs = append(desc.Outputs, graph.OutputDesc{
			UID:        out.UID,
			Identifier: out.Identifier,
			Channel:    channel,
			Format:     format,
		})
	}

	data, err := soft.LinkDataFor(desc)
	if err != nil {
		return nil, fmt.Errorf("graph %q: failed to pack link data: %w", spec.Name, err)
	}
	desc.LinkData = data
	return desc, nil
}

func buildInstance(desc *graph.Desc, spec *InstanceSpec, dir string) (*graph.Instance, error) {
	inst := graph.NewInstance(desc)
	for id, values := range spec.Values {
		in, err := inst.Input(id)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidScene)
		}
		if err := in.SetValue(values...); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidScene)
		}
	}
	for id, file := range spec.Images {
		in, err := inst.Input(id)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidScene)
		}
		img, err := LoadImage(resolve(dir, file))
		if err != nil {
			return nil, err
		}
		if err := in.SetImage(graph.NewImageInput(img)); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidScene)
		}
	}
	for id, fs := range spec.Formats {
		out, err := inst.Output(id)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidScene)
		}
		format, err := fs.toFormat()
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", id, err)
		}
		out.SetFormat(format)
	}
	for _, id := range spec.Disabled {
		out, err := inst.Output(id)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidScene)
		}
		out.SetEnabled(false)
	}
	return inst, nil
}

func (f FormatSpec) toFormat() (graph.OutputFormat, error) {
	pixel, err := graph.ParsePixelFormat(f.Pixel)
	if err != nil {
		return graph.OutputFormat{}, fmt.Errorf("%v: %w", err, ErrInvalidScene)
	}
	if f.Width < 0 || f.Height < 0 {
		return graph.OutputFormat{}, fmt.Errorf("negative size %dx%d: %w", f.Width, f.Height, ErrInvalidScene)
	}
	return graph.OutputFormat{Pixel: pixel, Width: f.Width, Height: f.Height}, nil
}

func resolve(dir, file string) string {
	if filepath.IsAbs(file) || dir == "" {
		return file
	}
	return filepath.Join(dir, file)
}

// LoadImage 解碼影像檔
func LoadImage(path string) (image.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer fh.Close()

	img, format, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	log.Debug("Image input loaded", "path", path, "format", format, "bounds", img.Bounds())
	return img, nil
}
