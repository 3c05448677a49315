package service

import (
	"time"

	"github.com/lk2023060901/file-vault-backend/internal/file/biz"
)

// FileResponse 文件记录响应
type FileResponse struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	FileType         string    `json:"file_type"`
	Size             int64     `json:"size"`
	UploadedAt       time.Time `json:"uploaded_at"`
	FileHash         string    `json:"file_hash"`
	IsDuplicate      bool      `json:"is_duplicate"`
	OriginalFile     *string   `json:"original_file"`
	ReferenceCount   int       `json:"reference_count"`
	StorageSaved     int64     `json:"storage_saved"`
	Version          int       `json:"version"`
}

// UploadResponse 上传响应，重复上传时带 duplicate_detected 标记
type UploadResponse struct {
	FileResponse
	DuplicateDetected bool `json:"duplicate_detected"`
}

// ListResponse 分页列表响应
type ListResponse struct {
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Files    []*FileResponse `json:"files"`
}

// StatsResponse 存储统计响应
type StatsResponse struct {
	TotalFiles        int64  `json:"total_files"`
	UniqueFiles       int64  `json:"unique_files"`
	DuplicateFiles    int64  `json:"duplicate_files"`
	TotalStorage      int64  `json:"total_storage"`
	StorageSaved      int64  `json:"storage_saved"`
	StorageEfficiency string `json:"storage_efficiency"` // 两位小数百分比，如 "33.33%"
}

// DownloadResponse 预签名下载链接响应
type DownloadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// BatchUploadResponse 批量上传响应
type BatchUploadResponse struct {
	TotalCount   int                `json:"total_count"`
	SuccessCount int                `json:"success_count"`
	FailedCount  int                `json:"failed_count"`
	Succeeded    []*FileResponse    `json:"succeeded"`
	Failed       []FailedUploadItem `json:"failed"`
}

// FailedUploadItem 批量上传失败项
type FailedUploadItem struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

func toFileResponse(f *biz.File) *FileResponse {
	return &FileResponse{
		ID:               f.ID,
		OriginalFilename: f.OriginalFilename,
		FileType:         f.ContentType,
		Size:             f.Size,
		UploadedAt:       f.UploadedAt,
		FileHash:         f.Fingerprint,
		IsDuplicate:      f.IsDuplicate,
		OriginalFile:     f.OriginalID,
		ReferenceCount:   f.ReferenceCount,
		StorageSaved:     f.StorageSaved(),
		Version:          f.Version,
	}
}

func toStatsResponse(s *biz.Stats) *StatsResponse {
	return &StatsResponse{
		TotalFiles:        s.TotalFiles,
		UniqueFiles:       s.UniqueFiles,
		DuplicateFiles:    s.DuplicateFiles,
		TotalStorage:      s.TotalStorage,
		StorageSaved:      s.StorageSaved,
		StorageEfficiency: s.EfficiencyString(),
	}
}
