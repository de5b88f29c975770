package v3dv

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCountJobs(t *testing.T) {
	dev, _ := newTestDevice(t)
	tg := newColorTarget(t, dev, 64, 64)
	pool, err := dev.CreateQueryPool(QueryOcclusion, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Destroy)

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.ResetQueryPool(pool, 0, 1)
		tg.begin(cb)
		cb.BindPipeline(&GraphicsPipeline{})
		cb.BeginQuery(pool, 0)
		cb.Draw(3, 0)
		cb.EndQuery(pool, 0)
		cb.EndRenderPass()
	})
	fence := newFence(t, dev)
	require.NoError(t, submit(dev, fence, cb))
	require.NoError(t, fence.Wait(testWait))

	st := dev.Stats()
	assert.Equal(t, map[string]uint64{
		"GPU_CL":            1,
		"CPU_RESET_QUERIES": 1,
		"CPU_END_QUERY":     1,
	}, st.Jobs)
	assert.Equal(t, uint64(1), st.GPUSubmits)
	assert.Zero(t, st.NoopSubmits)
	assert.Positive(t, st.BO.LiveCount)

	s := st.String()
	assert.True(t, strings.HasPrefix(s, "Device[3 jobs, 1 submits, 0 noop, 0 wait threads, 0 lost]"), s)
}

func TestDumpJSON(t *testing.T) {
	dev, _ := newTestDevice(t)
	require.NoError(t, dev.Queue().Submit([]SubmitInfo{{}}, nil))
	require.NoError(t, dev.WaitIdle())

	data, err := dev.DumpJSON()
	require.NoError(t, err)

	var got struct {
		Jobs        map[string]int
		GPUSubmits  int
		NoopSubmits int
		WaitThreads int
		DeviceLost  int
		BO          struct {
			LiveCount int
			Cache     map[string]int
		}
	}
	require.NoError(t, json.Unmarshal(data, &got), string(data))
	assert.Equal(t, map[string]int{"GPU_CL": 1}, got.Jobs)
	assert.Equal(t, 1, got.GPUSubmits)
	assert.Equal(t, 1, got.NoopSubmits)
	assert.Positive(t, got.BO.LiveCount, "the no-op job keeps its blocks")
	assert.Contains(t, got.BO.Cache, "Hits")
}
