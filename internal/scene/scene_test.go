package scene

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native/soft"
)

const woodScene = `
graphs:
  - name: wood
    inputs:
      - {id: level, uid: 1, type: float, default: [0.5]}
      - {id: tint, uid: 2, type: float3, default: [1, 0.5, 0]}
      - {id: mask, uid: 3, type: image}
    outputs:
      - {id: basecolor, uid: 10, channel: basecolor, format: {pixel: rgba8, width: 16, height: 16}}
      - {id: height, uid: 11}
instances:
  - name: wood_a
    graph: wood
    values: {level: [0.75]}
    images: {mask: mask.png}
    formats: {basecolor: {width: 8, height: 8}}
    disabled: [height]
  - graph: wood
`

func writeMask(t *testing.T, dir string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 1, color.Gray{Y: 255})
	fh, err := os.Create(filepath.Join(dir, "mask.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(fh, img))
	require.NoError(t, fh.Close())
}

func writeScene(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	writeMask(t, dir)
	path := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBuildsDescsAndInstances(t *testing.T) {
	sc, err := Load(writeScene(t, woodScene))
	require.NoError(t, err)

	desc, ok := sc.Descs["wood"]
	require.True(t, ok)
	require.Len(t, desc.Inputs, 3)
	assert.Equal(t, graph.InputFloat3, desc.Inputs[1].Type)
	assert.Equal(t, [4]float32{1, 0.5, 0, 0}, desc.Inputs[1].Default)
	assert.Equal(t, "height", desc.Outputs[1].Channel, "channel defaults to the identifier")
	assert.Equal(t, graph.OutputFormat{Pixel: graph.PixelRGBA8, Width: 16, Height: 16}, desc.Outputs[0].Format)
	assert.NotEmpty(t, desc.LinkData)

	asm, err := soft.UnmarshalAssembly(desc.LinkData)
	require.NoError(t, err)
	assert.NotNil(t, asm)

	require.Len(t, sc.Instances, 2)
	assert.Equal(t, "wood_a", sc.Instances[0].Name)
	assert.Equal(t, "wood_1", sc.Instances[1].Name, "unnamed instance gets a generated name")

	inst, ok := sc.Find("wood_a")
	require.True(t, ok)
	level, err := inst.Input("level")
	require.NoError(t, err)
	assert.Equal(t, [4]float32{0.75}, level.Value())

	mask, err := inst.Input("mask")
	require.NoError(t, err)
	require.NotNil(t, mask.Image())
	assert.Equal(t, image.Rect(0, 0, 4, 4), mask.Image().Image.Bounds())

	base, err := inst.Output("basecolor")
	require.NoError(t, err)
	assert.Equal(t, graph.OutputFormat{Width: 8, Height: 8}, base.Format())
	height, err := inst.Output("height")
	require.NoError(t, err)
	assert.False(t, height.Enabled())

	other, ok := sc.Find("wood_1")
	require.True(t, ok)
	level, err = other.Input("level")
	require.NoError(t, err)
	assert.Equal(t, [4]float32{0.5}, level.Value())

	assert.Len(t, sc.Graphs(), 2)
	_, ok = sc.Find("missing")
	assert.False(t, ok)
}

func TestParseRejectsInvalidScenes(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate uid", `
graphs:
  - name: g
    inputs: [{id: a, uid: 1, type: float}]
    outputs: [{id: o, uid: 1}]
`},
		{"missing uid", `
graphs:
  - name: g
    inputs: [{id: a, type: float}]
`},
		{"unknown type", `
graphs:
  - name: g
    inputs: [{id: a, uid: 1, type: matrix}]
`},
		{"too many defaults", `
graphs:
  - name: g
    inputs: [{id: a, uid: 1, type: float, default: [1, 2]}]
`},
		{"unknown graph", `
instances:
  - {name: x, graph: nope}
`},
		{"unknown input", `
graphs:
  - name: g
    inputs: [{id: a, uid: 1, type: float}]
instances:
  - {name: x, graph: g, values: {b: [1]}}
`},
		{"wrong component count", `
graphs:
  - name: g
    inputs: [{id: a, uid: 1, type: float2}]
instances:
  - {name: x, graph: g, values: {a: [1]}}
`},
		{"duplicate instance", `
graphs:
  - name: g
instances:
  - {name: x, graph: g}
  - {name: x, graph: g}
`},
		{"bad pixel format", `
graphs:
  - name: g
    outputs: [{id: o, uid: 2, format: {pixel: cmyk}}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), t.TempDir())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidScene)
		})
	}
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("graphs: [unterminated"), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidScene)
}

func TestLoadMissingImage(t *testing.T) {
	path := writeScene(t, `
graphs:
  - name: g
    inputs: [{id: m, uid: 1, type: image}]
instances:
  - {name: x, graph: g, images: {m: nothere.png}}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
