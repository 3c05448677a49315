package data

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lk2023060901/file-vault-backend/internal/file/biz"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/database"
)

// FilePO 文件记录数据库模型。指纹在原始记录中唯一（部分唯一索引），
// 并发写入相同指纹时落败方会触发唯一约束冲突。
type FilePO struct {
	ID               string    `gorm:"type:uuid;primaryKey"`
	StorageKey       string    `gorm:"size:512;not null"`
	OriginalFilename string    `gorm:"size:255;not null;index:idx_files_filename"`
	ContentType      string    `gorm:"size:100"`
	Size             int64     `gorm:"not null;default:0"`
	Fingerprint      string    `gorm:"size:64;not null;index:idx_files_fingerprint;uniqueIndex:uniq_files_original_fingerprint,where:is_duplicate = false"`
	IsDuplicate      bool      `gorm:"not null;default:false"`
	OriginalID       *string   `gorm:"type:uuid"`
	ReferenceCount   int       `gorm:"not null;default:1"`
	Version          int       `gorm:"not null;default:1"`
	UploadedAt       time.Time `gorm:"not null;index:idx_files_uploaded_at"`
}

// TableName 指定表名
func (FilePO) TableName() string {
	return "files"
}

func toPO(f *biz.File) *FilePO {
	return &FilePO{
		ID:               f.ID,
		StorageKey:       f.StorageKey,
		OriginalFilename: f.OriginalFilename,
		ContentType:      f.ContentType,
		Size:             f.Size,
		Fingerprint:      f.Fingerprint,
		IsDuplicate:      f.IsDuplicate,
		OriginalID:       f.OriginalID,
		ReferenceCount:   f.ReferenceCount,
		Version:          f.Version,
		UploadedAt:       f.UploadedAt,
	}
}

func toDomain(po *FilePO) *biz.File {
	return &biz.File{
		ID:               po.ID,
		StorageKey:       po.StorageKey,
		OriginalFilename: po.OriginalFilename,
		ContentType:      po.ContentType,
		Size:             po.Size,
		Fingerprint:      po.Fingerprint,
		IsDuplicate:      po.IsDuplicate,
		OriginalID:       po.OriginalID,
		ReferenceCount:   po.ReferenceCount,
		Version:          po.Version,
		UploadedAt:       po.UploadedAt,
	}
}

// fileRepo 文件记录仓储实现
type fileRepo struct {
	db *database.DB
}

// NewFileRepo 创建文件记录仓储
func NewFileRepo(db *database.DB) biz.FileRepo {
	return &fileRepo{db: db}
}

// wrapStoreErr 将存储层错误映射为业务层错误分类
func wrapStoreErr(op string, err error) error {
	switch {
	case database.IsRecordNotFound(err):
		return biz.ErrFileNotFound
	case database.IsBusyError(err):
		return fmt.Errorf("%w: %s: %v", biz.ErrStoreBusy, op, err)
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s", biz.ErrFingerprintConflict, op)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// FindOriginalByFingerprint 查找该指纹对应的原始记录
func (r *fileRepo) FindOriginalByFingerprint(ctx context.Context, fingerprint string) (*biz.File, error) {
	var po FilePO
	err := r.db.WithContext(ctx).
		Where("fingerprint = ? AND is_duplicate = ?", fingerprint, false).
		First(&po).Error
	if err != nil {
		return nil, wrapStoreErr("find original by fingerprint", err)
	}
	return toDomain(&po), nil
}

// IncrementReferenceCount 单条条件更新实现原子加一，
// 原始记录已不存在时通过 RowsAffected 判定
func (r *fileRepo) IncrementReferenceCount(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&FilePO{}).
		Where("id = ? AND is_duplicate = ?", id, false).
		UpdateColumn("reference_count", gorm.Expr("reference_count + 1"))
	if result.Error != nil {
		return wrapStoreErr("increment reference count", result.Error)
	}
	if result.RowsAffected == 0 {
		return biz.ErrOriginalVanished
	}
	return nil
}

// DecrementReferenceCount 引用计数减一，不低于零
func (r *fileRepo) DecrementReferenceCount(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&FilePO{}).
		Where("id = ? AND reference_count > 0", id).
		UpdateColumn("reference_count", gorm.Expr("reference_count - 1"))
	if result.Error != nil {
		return wrapStoreErr("decrement reference count", result.Error)
	}
	return nil
}

// Insert 在同一事务内计算版本号并写入，保证版本号与插入的一致性
func (r *fileRepo) Insert(ctx context.Context, f *biz.File) error {
	po := toPO(f)
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&FilePO{}).
			Where("original_filename = ?", f.OriginalFilename).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}
		po.Version = maxVersion + 1
		return tx.Create(po).Error
	})
	if err != nil {
		return wrapStoreErr("insert file record", err)
	}
	f.Version = po.Version
	return nil
}

// GetByID 按 ID 查询
func (r *fileRepo) GetByID(ctx context.Context, id string) (*biz.File, error) {
	var po FilePO
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&po).Error
	if err != nil {
		return nil, wrapStoreErr("get file by id", err)
	}
	return toDomain(&po), nil
}

// List 条件过滤 + 分页，按上传时间倒序
func (r *fileRepo) List(ctx context.Context, filter *biz.ListFilter) ([]*biz.File, int64, error) {
	q := r.db.WithContext(ctx).Model(&FilePO{}).Scopes(
		database.WhereIf(filter.Search != "", "original_filename ILIKE ?", "%"+filter.Search+"%"),
		database.WhereIf(filter.UniqueOnly, "is_duplicate = ?", false),
	)

	if filter.IsDuplicate != nil {
		q = q.Where("is_duplicate = ?", *filter.IsDuplicate)
	}
	if filter.MinSize != nil {
		q = q.Where("size >= ?", *filter.MinSize)
	}
	if filter.MaxSize != nil {
		q = q.Where("size <= ?", *filter.MaxSize)
	}
	// 日期过滤按天粒度
	if filter.StartDate != nil {
		q = q.Where("DATE(uploaded_at) >= DATE(?)", *filter.StartDate)
	}
	if filter.EndDate != nil {
		q = q.Where("DATE(uploaded_at) <= DATE(?)", *filter.EndDate)
	}

	if len(filter.FileTypes) > 0 {
		if filter.HardFilter {
			// 精确匹配
			q = q.Where("content_type IN ?", filter.FileTypes)
		} else {
			// 包含匹配，多个类型取并集
			or := r.db.GetDB().Where("content_type ILIKE ?", "%"+filter.FileTypes[0]+"%")
			for _, t := range filter.FileTypes[1:] {
				or = or.Or("content_type ILIKE ?", "%"+t+"%")
			}
			q = q.Where(or)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreErr("count files", err)
	}

	var pos []*FilePO
	err := q.Scopes(
		database.OrderBy("uploaded_at", true),
		database.Paginate(filter.Page, filter.PageSize),
	).Find(&pos).Error
	if err != nil {
		return nil, 0, wrapStoreErr("list files", err)
	}

	files := make([]*biz.File, len(pos))
	for i, po := range pos {
		files[i] = toDomain(po)
	}
	return files, total, nil
}

// Aggregate 单条聚合查询计算统计信息，size 为空按 0 处理
func (r *fileRepo) Aggregate(ctx context.Context) (*biz.Stats, error) {
	var row struct {
		TotalFiles     int64
		UniqueFiles    int64
		DuplicateFiles int64
		TotalStorage   int64
		StorageSaved   int64
	}
	err := r.db.WithContext(ctx).Model(&FilePO{}).Select(`
		COUNT(*) AS total_files,
		COUNT(*) FILTER (WHERE NOT is_duplicate) AS unique_files,
		COUNT(*) FILTER (WHERE is_duplicate) AS duplicate_files,
		COALESCE(SUM(COALESCE(size, 0)) FILTER (WHERE NOT is_duplicate), 0) AS total_storage,
		COALESCE(SUM(COALESCE(size, 0) * (reference_count - 1)) FILTER (WHERE NOT is_duplicate AND reference_count > 1), 0) AS storage_saved
	`).Scan(&row).Error
	if err != nil {
		return nil, wrapStoreErr("aggregate stats", err)
	}
	return &biz.Stats{
		TotalFiles:     row.TotalFiles,
		UniqueFiles:    row.UniqueFiles,
		DuplicateFiles: row.DuplicateFiles,
		TotalStorage:   row.TotalStorage,
		StorageSaved:   row.StorageSaved,
	}, nil
}
