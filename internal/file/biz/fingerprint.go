package biz

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Fingerprint 流式计算内容的 SHA-256 指纹，完成后将流重置到起始位置，
// 以便后续写入对象存储时复用同一个流
func Fingerprint(r io.ReadSeeker) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ObjectKey 基于内容指纹生成对象存储路径: files/{hash[:2]}/{hash}
func ObjectKey(fingerprint string) string {
	return fmt.Sprintf("files/%s/%s", fingerprint[:2], fingerprint)
}
