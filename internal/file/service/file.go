package service

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lk2023060901/file-vault-backend/internal/file/biz"
	apperrors "github.com/lk2023060901/file-vault-backend/internal/pkg/errors"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/response"
)

// FileService 文件模块的 HTTP 服务
type FileService struct {
	uc            *biz.FileUseCase
	logger        *zap.Logger
	maxBatchFiles int
}

// NewFileService 创建文件服务
func NewFileService(uc *biz.FileUseCase, maxBatchFiles int, logger *zap.Logger) *FileService {
	if maxBatchFiles <= 0 {
		maxBatchFiles = 20
	}
	return &FileService{
		uc:            uc,
		logger:        logger,
		maxBatchFiles: maxBatchFiles,
	}
}

// RegisterRoutes 注册路由
func (s *FileService) RegisterRoutes(rg *gin.RouterGroup) {
	files := rg.Group("/files")
	{
		files.POST("", s.Upload)
		files.POST("/batch", s.BatchUpload)
		files.GET("", s.List)
		files.GET("/stats", s.Stats)
		files.GET("/:id", s.Get)
		files.GET("/:id/download", s.Download)
		files.GET("/:id/content", s.DownloadContent)
	}
}

// Upload 上传单个文件
func (s *FileService) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.ErrorWithCode(c, apperrors.ErrFileMissing)
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		response.ErrorWithCode(c, apperrors.ErrFileReadFailed)
		return
	}
	defer f.Close()

	uploaded, err := s.uc.Upload(c.Request.Context(), &biz.UploadInput{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        fileHeader.Size,
		Content:     f,
	})
	if err != nil {
		s.handleError(c, err)
		return
	}

	response.Created(c, &UploadResponse{
		FileResponse:      *toFileResponse(uploaded),
		DuplicateDetected: uploaded.IsDuplicate,
	})
}

// BatchUpload 批量上传，通过 worker pool 并发处理
func (s *FileService) BatchUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		response.ErrorWithCode(c, apperrors.ErrFileMissing)
		return
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		response.ErrorWithCode(c, apperrors.ErrFileMissing)
		return
	}
	if len(headers) > s.maxBatchFiles {
		response.ErrorWithCode(c, apperrors.ErrInvalidParams,
			"batch exceeds limit of "+strconv.Itoa(s.maxBatchFiles)+" files")
		return
	}

	inputs := make([]*biz.UploadInput, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			response.ErrorWithCode(c, apperrors.ErrFileReadFailed, h.Filename)
			return
		}
		opened = append(opened, f)
		inputs = append(inputs, &biz.UploadInput{
			Filename:    h.Filename,
			ContentType: h.Header.Get("Content-Type"),
			Size:        h.Size,
			Content:     f,
		})
	}

	result := s.uc.BatchUpload(c.Request.Context(), inputs)

	resp := &BatchUploadResponse{
		TotalCount:   result.TotalCount,
		SuccessCount: result.SuccessCount,
		FailedCount:  result.FailedCount,
		Succeeded:    make([]*FileResponse, 0, len(result.Succeeded)),
		Failed:       make([]FailedUploadItem, 0, len(result.Failed)),
	}
	for _, f := range result.Succeeded {
		resp.Succeeded = append(resp.Succeeded, toFileResponse(f))
	}
	for _, item := range result.Failed {
		resp.Failed = append(resp.Failed, FailedUploadItem{
			Filename: item.Filename,
			Error:    item.Error,
		})
	}
	response.Created(c, resp)
}

// List 条件查询文件列表
func (s *FileService) List(c *gin.Context) {
	filter := parseListFilter(c)

	files, total, err := s.uc.ListFiles(c.Request.Context(), filter)
	if err != nil {
		s.handleError(c, err)
		return
	}

	resp := &ListResponse{
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Files:    make([]*FileResponse, 0, len(files)),
	}
	for _, f := range files {
		resp.Files = append(resp.Files, toFileResponse(f))
	}
	response.Success(c, resp)
}

// Get 按 ID 查询单条记录
func (s *FileService) Get(c *gin.Context) {
	f, err := s.uc.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, toFileResponse(f))
}

// Download 获取预签名下载链接
func (s *FileService) Download(c *gin.Context) {
	url, f, err := s.uc.DownloadURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, &DownloadResponse{
		URL:      url,
		Filename: f.OriginalFilename,
	})
}

// DownloadContent 直接回传文件内容，供无法访问对象存储的客户端使用
func (s *FileService) DownloadContent(c *gin.Context) {
	f, rc, err := s.uc.OpenFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	defer rc.Close()

	extraHeaders := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", f.OriginalFilename),
	}
	c.DataFromReader(http.StatusOK, f.Size, f.ContentType, rc, extraHeaders)
}

// Stats 存储统计
func (s *FileService) Stats(c *gin.Context) {
	stats, err := s.uc.GetStats(c.Request.Context())
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, toStatsResponse(stats))
}

// handleError 业务错误到响应码的映射
func (s *FileService) handleError(c *gin.Context, err error) {
	response.HandleError(c, s.wrapError(err))
}

// wrapError 将业务错误包装为带错误码的 AppError，内部错误不透出底层细节
func (s *FileService) wrapError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, biz.ErrNoFile), errors.Is(err, biz.ErrEmptyFile):
		return apperrors.Wrap(err, apperrors.ErrFileMissing)
	case errors.Is(err, biz.ErrFileTooLarge):
		return apperrors.Wrap(err, apperrors.ErrFileTooLarge)
	case errors.Is(err, biz.ErrReadFailed):
		return apperrors.Wrap(err, apperrors.ErrFileReadFailed)
	case errors.Is(err, biz.ErrServiceBusy):
		return apperrors.Wrap(err, apperrors.ErrFileStoreBusy)
	case errors.Is(err, biz.ErrFileNotFound):
		return apperrors.Wrap(err, apperrors.ErrFileNotFound)
	default:
		s.logger.Error("file request failed", zap.Error(err))
		return apperrors.New(apperrors.ErrInternalServer)
	}
}

// parseListFilter 解析列表查询参数，数值与日期非法时忽略该条件
func parseListFilter(c *gin.Context) *biz.ListFilter {
	filter := &biz.ListFilter{
		Search:     c.Query("search"),
		UniqueOnly: c.Query("unique_only") == "true",
		FileTypes:  c.QueryArray("file_type"),
		HardFilter: c.Query("hard_filter") == "true",
	}

	if v := c.Query("is_duplicate"); v == "true" || v == "false" {
		b := v == "true"
		filter.IsDuplicate = &b
	}
	if v := c.Query("min_size"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.MinSize = &n
		}
	}
	if v := c.Query("max_size"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.MaxSize = &n
		}
	}
	if v := c.Query("start_date"); v != "" {
		if d, err := time.Parse("2006-01-02", v); err == nil {
			filter.StartDate = &d
		}
	}
	if v := c.Query("end_date"); v != "" {
		if d, err := time.Parse("2006-01-02", v); err == nil {
			filter.EndDate = &d
		}
	}

	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return filter
}
