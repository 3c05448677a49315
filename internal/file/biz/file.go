package biz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/file-vault-backend/internal/pkg/retry"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/workerpool"
)

// 竞争失败后重新执行查找-写入流程的次数上限
const maxResolveRestarts = 3

// File 一次逻辑上传事件
type File struct {
	ID               string
	StorageKey       string // 物理存储位置，重复记录与原始记录共享
	OriginalFilename string
	ContentType      string
	Size             int64
	Fingerprint      string
	IsDuplicate      bool
	OriginalID       *string // 重复记录指向其原始记录，两级关系
	ReferenceCount   int     // 仅对原始记录有意义，初始为 1
	Version          int     // 按文件名单调递增
	UploadedAt       time.Time
}

// StorageSaved 该原始记录因去重节省的字节数
func (f *File) StorageSaved() int64 {
	if f.IsDuplicate || f.ReferenceCount <= 1 {
		return 0
	}
	return f.Size * int64(f.ReferenceCount-1)
}

// UploadInput 上传请求
type UploadInput struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.ReadSeeker
}

// ListFilter 列表查询条件
type ListFilter struct {
	Search      string     // 文件名模糊匹配
	UniqueOnly  bool       // 仅原始记录
	IsDuplicate *bool      // 按去重状态过滤
	MinSize     *int64     // 大小下限（字节）
	MaxSize     *int64     // 大小上限（字节）
	StartDate   *time.Time // 上传日期下限（按天）
	EndDate     *time.Time // 上传日期上限（按天）
	FileTypes   []string   // content_type 过滤，可重复
	HardFilter  bool       // true 为精确匹配，false 为包含匹配
	Page        int
	PageSize    int
}

// FileRepo 记录存储接口。实现需将瞬时争用包装为 ErrStoreBusy，
// 指纹唯一约束冲突包装为 ErrFingerprintConflict。
type FileRepo interface {
	// FindOriginalByFingerprint 查找该指纹对应的原始记录，不存在时返回 ErrFileNotFound
	FindOriginalByFingerprint(ctx context.Context, fingerprint string) (*File, error)

	// IncrementReferenceCount 原子地为原始记录的引用计数加一，
	// 记录不存在或已非原始记录时返回 ErrOriginalVanished
	IncrementReferenceCount(ctx context.Context, id string) error

	// DecrementReferenceCount 引用计数减一，用于写入失败后的补偿
	DecrementReferenceCount(ctx context.Context, id string) error

	// Insert 在同一事务内计算版本号并写入记录，回填 f.Version
	Insert(ctx context.Context, f *File) error

	GetByID(ctx context.Context, id string) (*File, error)
	List(ctx context.Context, filter *ListFilter) ([]*File, int64, error)
	Aggregate(ctx context.Context) (*Stats, error)
}

// BlobStore 物理字节存储接口
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	PresignedURL(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
}

// FileUseCase 上传编排与查询逻辑
type FileUseCase struct {
	repo    FileRepo
	blobs   BlobStore
	cache   StatsCache
	retrier *retry.Executor
	pool    *workerpool.Pool
	logger  *zap.Logger

	maxFileSize   int64
	presignExpiry time.Duration
}

// UseCaseOptions FileUseCase 的可调参数
type UseCaseOptions struct {
	MaxFileSize   int64
	PresignExpiry time.Duration
}

// NewFileUseCase 创建文件用例
func NewFileUseCase(
	repo FileRepo,
	blobs BlobStore,
	cache StatsCache,
	retrier *retry.Executor,
	pool *workerpool.Pool,
	opts UseCaseOptions,
	logger *zap.Logger,
) *FileUseCase {
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = time.Hour
	}
	return &FileUseCase{
		repo:          repo,
		blobs:         blobs,
		cache:         cache,
		retrier:       retrier,
		pool:          pool,
		logger:        logger,
		maxFileSize:   opts.MaxFileSize,
		presignExpiry: opts.PresignExpiry,
	}
}

// Upload 处理一次上传：指纹 → 去重判定 → 引用计数或新记录写入。
// 终态为原始记录、重复记录或一类失败（校验、读取、繁忙、致命）。
func (uc *FileUseCase) Upload(ctx context.Context, in *UploadInput) (*File, error) {
	if in == nil || in.Content == nil || in.Filename == "" {
		return nil, ErrNoFile
	}
	if in.Size <= 0 {
		return nil, ErrEmptyFile
	}
	if uc.maxFileSize > 0 && in.Size > uc.maxFileSize {
		return nil, ErrFileTooLarge
	}

	fingerprint, err := Fingerprint(in.Content)
	if err != nil {
		return nil, err
	}

	var created *File
	for attempt := 0; attempt < maxResolveRestarts; attempt++ {
		created, err = uc.tryUpload(ctx, in, fingerprint)
		if err == nil {
			break
		}
		// 查找与写入之间输掉并发竞争：重新走一遍查找-写入流程
		if errors.Is(err, ErrOriginalVanished) || errors.Is(err, ErrFingerprintConflict) {
			uc.logger.Debug("lost dedup race, re-resolving",
				zap.String("fingerprint", fingerprint),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return nil, uc.translate(err)
	}
	if err != nil {
		return nil, uc.translate(err)
	}

	// 统计缓存失效，尽力而为
	if uc.cache != nil {
		if cerr := uc.cache.Invalidate(ctx); cerr != nil {
			uc.logger.Warn("failed to invalidate stats cache", zap.Error(cerr))
		}
	}

	uc.logger.Info("file uploaded",
		zap.String("id", created.ID),
		zap.String("filename", created.OriginalFilename),
		zap.Bool("duplicate", created.IsDuplicate),
		zap.Int("version", created.Version),
	)
	return created, nil
}

// tryUpload 执行一轮完整的查找-写入流程
func (uc *FileUseCase) tryUpload(ctx context.Context, in *UploadInput, fingerprint string) (*File, error) {
	original, err := uc.findOriginal(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	record := &File{
		ID:               uuid.New().String(),
		OriginalFilename: in.Filename,
		ContentType:      in.ContentType,
		Size:             in.Size,
		Fingerprint:      fingerprint,
		UploadedAt:       time.Now(),
	}

	if original != nil {
		// 重复内容：引用计数加一，复用原始记录的存储位置
		if err := uc.retrier.Do(ctx, "increment reference", func(ctx context.Context) error {
			return uc.repo.IncrementReferenceCount(ctx, original.ID)
		}); err != nil {
			return nil, err
		}

		record.IsDuplicate = true
		record.OriginalID = &original.ID
		record.StorageKey = original.StorageKey

		if err := uc.insert(ctx, record); err != nil {
			// 补偿已执行的引用计数加一，避免计数不变量被破坏
			if derr := uc.repo.DecrementReferenceCount(ctx, original.ID); derr != nil {
				uc.logger.Error("failed to compensate reference count",
					zap.String("original_id", original.ID),
					zap.Error(derr),
				)
			}
			return nil, err
		}
		return record, nil
	}

	// 新内容：先写对象存储，再落库。对象键由指纹决定，
	// 竞争双方写入相同的键和内容，输掉竞争无需清理。
	record.StorageKey = ObjectKey(fingerprint)
	record.ReferenceCount = 1

	if _, err := in.Content.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if err := uc.blobs.Put(ctx, record.StorageKey, in.Content, in.Size, in.ContentType); err != nil {
		return nil, fmt.Errorf("failed to store file content: %w", err)
	}

	if err := uc.insert(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// findOriginal 带重试地查找指纹对应的原始记录，不存在时返回 (nil, nil)
func (uc *FileUseCase) findOriginal(ctx context.Context, fingerprint string) (*File, error) {
	var original *File
	err := uc.retrier.Do(ctx, "resolve fingerprint", func(ctx context.Context) error {
		f, err := uc.repo.FindOriginalByFingerprint(ctx, fingerprint)
		if err != nil {
			if errors.Is(err, ErrFileNotFound) {
				original = nil
				return nil
			}
			return err
		}
		original = f
		return nil
	})
	return original, err
}

func (uc *FileUseCase) insert(ctx context.Context, record *File) error {
	return uc.retrier.Do(ctx, "insert record", func(ctx context.Context) error {
		return uc.repo.Insert(ctx, record)
	})
}

// translate 将内部错误映射为对外错误：重试耗尽的争用与反复输掉的竞争
// 都以 ErrServiceBusy 暴露，其余原样传播
func (uc *FileUseCase) translate(err error) error {
	if errors.Is(err, ErrStoreBusy) ||
		errors.Is(err, ErrOriginalVanished) ||
		errors.Is(err, ErrFingerprintConflict) {
		return fmt.Errorf("%w: %v", ErrServiceBusy, err)
	}
	return err
}

// GetFile 按 ID 获取记录
func (uc *FileUseCase) GetFile(ctx context.Context, id string) (*File, error) {
	return uc.repo.GetByID(ctx, id)
}

// ListFiles 按条件分页查询
func (uc *FileUseCase) ListFiles(ctx context.Context, filter *ListFilter) ([]*File, int64, error) {
	if filter == nil {
		filter = &ListFilter{}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	return uc.repo.List(ctx, filter)
}

// DownloadURL 生成记录对应物理对象的预签名下载链接
func (uc *FileUseCase) DownloadURL(ctx context.Context, id string) (string, *File, error) {
	f, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return "", nil, err
	}
	url, err := uc.blobs.PresignedURL(ctx, f.StorageKey, f.OriginalFilename, uc.presignExpiry)
	if err != nil {
		return "", nil, fmt.Errorf("failed to presign download url: %w", err)
	}
	return url, f, nil
}

// OpenFile 打开记录对应的物理对象用于直接下载，调用方负责关闭
func (uc *FileUseCase) OpenFile(ctx context.Context, id string) (*File, io.ReadCloser, error) {
	f, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := uc.blobs.Get(ctx, f.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stored object: %w", err)
	}
	return f, rc, nil
}

// BatchUploadResult 批量上传结果
type BatchUploadResult struct {
	TotalCount   int
	SuccessCount int
	FailedCount  int
	Succeeded    []*File
	Failed       []FailedUpload
}

// FailedUpload 批量上传中的单个失败项
type FailedUpload struct {
	Filename string
	Error    string
}

type batchOutcome struct {
	filename string
	file     *File
	err      error
}

// BatchUpload 通过 worker pool 并发处理多个上传，逐个汇总成功与失败
func (uc *FileUseCase) BatchUpload(ctx context.Context, inputs []*UploadInput) *BatchUploadResult {
	result := &BatchUploadResult{
		TotalCount: len(inputs),
		Succeeded:  make([]*File, 0, len(inputs)),
		Failed:     make([]FailedUpload, 0),
	}
	if len(inputs) == 0 {
		return result
	}

	outcomes := make(chan batchOutcome, len(inputs))
	for _, in := range inputs {
		in := in
		submitErr := uc.pool.Submit(ctx, func(ctx context.Context) error {
			f, err := uc.Upload(ctx, in)
			outcomes <- batchOutcome{filename: in.Filename, file: f, err: err}
			return err
		})
		if submitErr != nil {
			outcomes <- batchOutcome{filename: in.Filename, err: submitErr}
		}
	}

	// 汇总顺序不保证与提交顺序一致
	for i := 0; i < len(inputs); i++ {
		o := <-outcomes
		if o.err != nil {
			result.FailedCount++
			result.Failed = append(result.Failed, FailedUpload{
				Filename: o.filename,
				Error:    o.err.Error(),
			})
		} else {
			result.SuccessCount++
			result.Succeeded = append(result.Succeeded, o.file)
		}
	}
	return result
}
