package integration

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/substrender/internal/native/soft"
	"github.com/ChuLiYu/substrender/internal/render"
	"github.com/ChuLiYu/substrender/pkg/types"
)

func BenchmarkThroughput(b *testing.B) {
	sc := generateScene(b, 16)
	r := render.NewRenderer(soft.New())
	defer r.Close()

	insts := sc.Graphs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// 每輪改一個值讓所有輸出重新變成 dirty
		for _, inst := range insts {
			level, err := inst.Input("level")
			require.NoError(b, err)
			require.NoError(b, level.SetValue(float32(i%100)/100))
		}
		require.True(b, r.PushList(insts))
		require.NotZero(b, r.Run(types.RunDefault))
	}
	b.StopTimer()
}
