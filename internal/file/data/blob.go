package data

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/lk2023060901/file-vault-backend/internal/file/biz"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/minio"
)

// blobStore 基于 MinIO 的物理字节存储
type blobStore struct {
	client *minio.Client
	bucket string
}

// NewBlobStore 创建对象存储适配器
func NewBlobStore(client *minio.Client, bucket string) biz.BlobStore {
	return &blobStore{client: client, bucket: bucket}
}

// Put 写入物理对象。对象键由内容指纹决定，重复写入相同键
// 的内容完全一致，不存在覆盖问题。
func (b *blobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Get 打开物理对象的读取流，由调用方关闭
func (b *blobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return obj, nil
}

// PresignedURL 生成带下载文件名的预签名链接
func (b *blobStore) PresignedURL(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	reqParams := make(url.Values)
	reqParams.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))

	u, err := b.client.PresignedGetObject(ctx, b.bucket, key, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", key, err)
	}
	return u.String(), nil
}
