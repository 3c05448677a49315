package data

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lk2023060901/file-vault-backend/internal/file/biz"
)

func TestFilePOMapping(t *testing.T) {
	originalID := "c0a80121-7ac0-4e1c-9d56-aaaaaaaaaaaa"
	now := time.Now().Truncate(time.Second)

	f := &biz.File{
		ID:               "c0a80121-7ac0-4e1c-9d56-bbbbbbbbbbbb",
		StorageKey:       "files/ab/abcdef",
		OriginalFilename: "report.pdf",
		ContentType:      "application/pdf",
		Size:             2048,
		Fingerprint:      "abcdef",
		IsDuplicate:      true,
		OriginalID:       &originalID,
		Version:          3,
		UploadedAt:       now,
	}

	po := toPO(f)
	assert.Equal(t, "files", po.TableName())
	assert.Equal(t, f.ID, po.ID)
	assert.Equal(t, f.Fingerprint, po.Fingerprint)
	require.NotNil(t, po.OriginalID)
	assert.Equal(t, originalID, *po.OriginalID)

	back := toDomain(po)
	assert.Equal(t, f, back)
}

func TestWrapStoreErrClassification(t *testing.T) {
	// 未找到
	err := wrapStoreErr("find", gorm.ErrRecordNotFound)
	assert.ErrorIs(t, err, biz.ErrFileNotFound)

	// 序列化失败等争用错误归为繁忙
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := wrapStoreErr("insert", &pgconn.PgError{Code: code})
		assert.ErrorIs(t, err, biz.ErrStoreBusy, "SQLSTATE %s", code)
	}

	// 唯一约束冲突归为指纹竞争
	err = wrapStoreErr("insert", &pgconn.PgError{Code: "23505"})
	assert.ErrorIs(t, err, biz.ErrFingerprintConflict)
	err = wrapStoreErr("insert", gorm.ErrDuplicatedKey)
	assert.ErrorIs(t, err, biz.ErrFingerprintConflict)

	// 其他错误原样包装，不归入任何可重试类别
	err = wrapStoreErr("insert", gorm.ErrInvalidData)
	assert.False(t, biz.IsBusy(err))
	assert.NotErrorIs(t, err, biz.ErrFingerprintConflict)
}
