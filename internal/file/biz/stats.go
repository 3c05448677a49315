package biz

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Stats 存储统计信息
type Stats struct {
	TotalFiles     int64 `json:"total_files"`     // 记录总数
	UniqueFiles    int64 `json:"unique_files"`    // 原始记录数
	DuplicateFiles int64 `json:"duplicate_files"` // 重复记录数
	TotalStorage   int64 `json:"total_storage"`   // 原始记录占用的物理存储字节数
	StorageSaved   int64 `json:"storage_saved"`   // 去重节省的字节数
}

// Efficiency 去重节省比例（百分数），无物理存储时为 0
func (s *Stats) Efficiency() float64 {
	if s.TotalStorage <= 0 {
		return 0
	}
	return float64(s.StorageSaved) / float64(s.TotalStorage) * 100
}

// EfficiencyString 两位小数的百分比文本，如 "33.33%"
func (s *Stats) EfficiencyString() string {
	return fmt.Sprintf("%.2f%%", s.Efficiency())
}

// StatsCache 统计结果缓存，Get 未命中时返回 (nil, nil)
type StatsCache interface {
	Get(ctx context.Context) (*Stats, error)
	Set(ctx context.Context, stats *Stats) error
	Invalidate(ctx context.Context) error
}

// GetStats 返回当前统计信息，优先走缓存
func (uc *FileUseCase) GetStats(ctx context.Context) (*Stats, error) {
	if uc.cache != nil {
		cached, err := uc.cache.Get(ctx)
		if err != nil {
			uc.logger.Warn("failed to read stats cache", zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	stats, err := uc.repo.Aggregate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}

	if uc.cache != nil {
		if err := uc.cache.Set(ctx, stats); err != nil {
			uc.logger.Warn("failed to write stats cache", zap.Error(err))
		}
	}
	return stats, nil
}
