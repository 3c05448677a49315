package biz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsEfficiency(t *testing.T) {
	// 无物理存储时为 0
	empty := &Stats{}
	assert.Equal(t, float64(0), empty.Efficiency())
	assert.Equal(t, "0.00%", empty.EfficiencyString())

	s := &Stats{TotalStorage: 300, StorageSaved: 100}
	assert.InDelta(t, 33.33, s.Efficiency(), 0.01)
	assert.Equal(t, "33.33%", s.EfficiencyString())

	full := &Stats{TotalStorage: 100, StorageSaved: 100}
	assert.Equal(t, "100.00%", full.EfficiencyString())
}

func TestGetStatsUsesCache(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	upload(t, fx.uc, "a.txt", "hello")
	upload(t, fx.uc, "b.txt", "hello")

	stats, err := fx.uc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalFiles)
	assert.Equal(t, int64(1), stats.UniqueFiles)
	assert.Equal(t, int64(1), stats.DuplicateFiles)
	assert.Equal(t, int64(5), stats.TotalStorage)
	assert.Equal(t, int64(5), stats.StorageSaved)
	assert.Equal(t, "100.00%", stats.EfficiencyString())

	// 第二次读取命中缓存
	cached, err := fx.cache.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	again, err := fx.uc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, again)

	// 新上传后缓存失效，统计重新计算
	upload(t, fx.uc, "c.txt", "world")
	refreshed, err := fx.uc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), refreshed.TotalFiles)
}
