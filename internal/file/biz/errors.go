package biz

import "errors"

var (
	// ErrNoFile 请求中缺少文件
	ErrNoFile = errors.New("no file provided")

	// ErrEmptyFile 上传内容为空
	ErrEmptyFile = errors.New("uploaded file is empty")

	// ErrFileTooLarge 超出单文件大小限制
	ErrFileTooLarge = errors.New("file exceeds size limit")

	// ErrReadFailed 读取上传流失败
	ErrReadFailed = errors.New("failed to read file content")

	// ErrFileNotFound 记录不存在
	ErrFileNotFound = errors.New("file not found")

	// ErrStoreBusy 记录存储层出现瞬时争用（可重试）
	ErrStoreBusy = errors.New("record store is busy")

	// ErrServiceBusy 重试耗尽后对外暴露的繁忙错误
	ErrServiceBusy = errors.New("service is busy, please retry later")

	// ErrOriginalVanished 引用计数更新时原始记录已不存在
	ErrOriginalVanished = errors.New("original record vanished")

	// ErrFingerprintConflict 相同指纹的原始记录已被并发写入
	ErrFingerprintConflict = errors.New("fingerprint already owned by another original record")
)

// IsBusy 判断是否为可重试的存储争用错误
func IsBusy(err error) bool {
	return errors.Is(err, ErrStoreBusy)
}
