package biz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lk2023060901/file-vault-backend/internal/pkg/retry"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/workerpool"
)

// fakeRepo 内存版记录存储，模拟指纹唯一约束与争用错误
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*File

	// 注入的瞬时争用：对应操作在前 N 次调用返回 ErrStoreBusy
	busyOnIncrement int
	busyOnInsert    int
	busyOnFind      int

	// 前 N 次查找假装未命中，用于模拟查找与写入之间的竞争窗口
	missNextFind int

	incrementCalls int
	findCalls      int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: map[string]*File{}}
}

func (r *fakeRepo) FindOriginalByFingerprint(ctx context.Context, fingerprint string) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findCalls++
	if r.busyOnFind > 0 {
		r.busyOnFind--
		return nil, ErrStoreBusy
	}
	if r.missNextFind > 0 {
		r.missNextFind--
		return nil, ErrFileNotFound
	}
	for _, f := range r.records {
		if f.Fingerprint == fingerprint && !f.IsDuplicate {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrFileNotFound
}

func (r *fakeRepo) maxVersionLocked(filename string) int {
	max := 0
	for _, f := range r.records {
		if f.OriginalFilename == filename && f.Version > max {
			max = f.Version
		}
	}
	return max
}

func (r *fakeRepo) IncrementReferenceCount(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incrementCalls++
	if r.busyOnIncrement > 0 {
		r.busyOnIncrement--
		return ErrStoreBusy
	}
	f, ok := r.records[id]
	if !ok || f.IsDuplicate {
		return ErrOriginalVanished
	}
	f.ReferenceCount++
	return nil
}

func (r *fakeRepo) DecrementReferenceCount(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.records[id]; ok && f.ReferenceCount > 0 {
		f.ReferenceCount--
	}
	return nil
}

func (r *fakeRepo) Insert(ctx context.Context, f *File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busyOnInsert > 0 {
		r.busyOnInsert--
		return ErrStoreBusy
	}
	if !f.IsDuplicate {
		for _, existing := range r.records {
			if existing.Fingerprint == f.Fingerprint && !existing.IsDuplicate {
				return ErrFingerprintConflict
			}
		}
	}
	f.Version = r.maxVersionLocked(f.OriginalFilename) + 1
	cp := *f
	r.records[f.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.records[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *fakeRepo) List(ctx context.Context, filter *ListFilter) ([]*File, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*File, 0, len(r.records))
	for _, f := range r.records {
		cp := *f
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (r *fakeRepo) Aggregate(ctx context.Context) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &Stats{}
	for _, f := range r.records {
		stats.TotalFiles++
		if f.IsDuplicate {
			stats.DuplicateFiles++
			continue
		}
		stats.UniqueFiles++
		stats.TotalStorage += f.Size
		stats.StorageSaved += f.StorageSaved()
	}
	return stats, nil
}

// fakeBlobStore 内存对象存储
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (b *fakeBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.objects[key] = data
	return nil
}

func (b *fakeBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobStore) PresignedURL(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	return "https://blob.example.com/" + key, nil
}

type fakeStatsCache struct {
	mu          sync.Mutex
	stats       *Stats
	invalidated int
}

func (c *fakeStatsCache) Get(ctx context.Context) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, nil
}

func (c *fakeStatsCache) Set(ctx context.Context, stats *Stats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = stats
	return nil
}

func (c *fakeStatsCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = nil
	c.invalidated++
	return nil
}

type fixture struct {
	uc    *FileUseCase
	repo  *fakeRepo
	blobs *fakeBlobStore
	cache *fakeStatsCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newFakeRepo()
	blobs := newFakeBlobStore()
	cache := &fakeStatsCache{}

	// 测试用快速退避，避免拖慢用例
	retrier := retry.NewExecutor(&retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Retryable:   IsBusy,
	}, zap.NewNop())

	pool, err := workerpool.New(&workerpool.Config{Workers: 4, QueueSize: 32}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(2 * time.Second) })

	uc := NewFileUseCase(repo, blobs, cache, retrier, pool, UseCaseOptions{}, zap.NewNop())
	return &fixture{uc: uc, repo: repo, blobs: blobs, cache: cache}
}

func upload(t *testing.T, uc *FileUseCase, filename, content string) *File {
	t.Helper()
	f, err := uc.Upload(context.Background(), &UploadInput{
		Filename:    filename,
		ContentType: "text/plain",
		Size:        int64(len(content)),
		Content:     strings.NewReader(content),
	})
	require.NoError(t, err)
	return f
}

func TestUploadOriginalThenDuplicate(t *testing.T) {
	fx := newFixture(t)

	// 相同内容、不同文件名：恰好一条原始记录和一条重复记录
	a := upload(t, fx.uc, "a.txt", "hello")
	assert.False(t, a.IsDuplicate)
	assert.Equal(t, 1, a.ReferenceCount)
	assert.Equal(t, 1, a.Version)

	b := upload(t, fx.uc, "b.txt", "hello")
	assert.True(t, b.IsDuplicate)
	require.NotNil(t, b.OriginalID)
	assert.Equal(t, a.ID, *b.OriginalID)
	assert.Equal(t, a.StorageKey, b.StorageKey)
	assert.Equal(t, 1, b.Version) // b.txt 的第一次上传

	got, err := fx.uc.GetFile(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ReferenceCount)

	// 物理对象只写入一次
	assert.Equal(t, 1, fx.blobs.puts)
}

func TestUploadDistinctContent(t *testing.T) {
	fx := newFixture(t)

	a := upload(t, fx.uc, "a.txt", "hello")
	c := upload(t, fx.uc, "a.txt", "world")

	assert.False(t, a.IsDuplicate)
	assert.False(t, c.IsDuplicate)
	assert.Equal(t, 1, c.ReferenceCount)
	assert.Equal(t, 2, c.Version) // a.txt 的第二次上传
	assert.NotEqual(t, a.StorageKey, c.StorageKey)
	assert.Equal(t, 2, fx.blobs.puts)
}

func TestUploadNIdenticalFiles(t *testing.T) {
	fx := newFixture(t)
	const n = 5
	content := "identical payload"

	var originalID string
	for i := 0; i < n; i++ {
		f := upload(t, fx.uc, fmt.Sprintf("copy-%d.bin", i), content)
		if i == 0 {
			originalID = f.ID
		}
	}

	original, err := fx.uc.GetFile(context.Background(), originalID)
	require.NoError(t, err)
	assert.Equal(t, n, original.ReferenceCount)
	assert.Equal(t, int64(len(content))*(n-1), original.StorageSaved())
	assert.Equal(t, 1, fx.blobs.puts)
}

func TestVersionsStrictlyIncreasing(t *testing.T) {
	fx := newFixture(t)

	// 同名上传的版本号递增，与去重状态无关
	versions := make([]int, 0, 4)
	for _, content := range []string{"v1", "v1", "v2", "v1"} {
		f := upload(t, fx.uc, "report.pdf", content)
		versions = append(versions, f.Version)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, versions)
}

func TestUploadValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.uc.Upload(ctx, nil)
	assert.ErrorIs(t, err, ErrNoFile)

	_, err = fx.uc.Upload(ctx, &UploadInput{Filename: "x.txt", Size: 5})
	assert.ErrorIs(t, err, ErrNoFile)

	_, err = fx.uc.Upload(ctx, &UploadInput{
		Filename: "x.txt", Size: 0, Content: strings.NewReader(""),
	})
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestUploadSizeLimit(t *testing.T) {
	repo := newFakeRepo()
	retrier := retry.NewExecutor(retry.DefaultPolicy(IsBusy), zap.NewNop())
	uc := NewFileUseCase(repo, newFakeBlobStore(), nil, retrier, nil,
		UseCaseOptions{MaxFileSize: 4}, zap.NewNop())

	_, err := uc.Upload(context.Background(), &UploadInput{
		Filename: "big.bin", Size: 5, Content: strings.NewReader("hello"),
	})
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

// errReader 总是读取失败
type errReader struct{}

func (errReader) Read([]byte) (int, error)       { return 0, errors.New("disk error") }
func (errReader) Seek(int64, int) (int64, error) { return 0, nil }

func TestUploadReadFailure(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.uc.Upload(context.Background(), &UploadInput{
		Filename: "x.txt", Size: 5, Content: errReader{},
	})
	assert.ErrorIs(t, err, ErrReadFailed)
	// 读取失败不产生任何记录
	assert.Empty(t, fx.repo.records)
}

func TestTransientBusyOnIncrementRetried(t *testing.T) {
	fx := newFixture(t)
	upload(t, fx.uc, "a.txt", "hello")

	// 前两次加一返回繁忙，第三次成功；加一只生效一次
	fx.repo.busyOnIncrement = 2
	b := upload(t, fx.uc, "b.txt", "hello")
	assert.True(t, b.IsDuplicate)

	files, _, err := fx.repo.List(context.Background(), nil)
	require.NoError(t, err)
	for _, f := range files {
		if !f.IsDuplicate {
			assert.Equal(t, 2, f.ReferenceCount)
		}
	}
	assert.Equal(t, 3, fx.repo.incrementCalls)
}

func TestPersistentBusyYieldsServiceBusy(t *testing.T) {
	fx := newFixture(t)
	upload(t, fx.uc, "a.txt", "hello")

	fx.repo.busyOnIncrement = 100
	_, err := fx.uc.Upload(context.Background(), &UploadInput{
		Filename: "b.txt", Size: 5, Content: strings.NewReader("hello"),
	})
	assert.ErrorIs(t, err, ErrServiceBusy)
	// 重试上限为 3 次
	assert.Equal(t, 3, fx.repo.incrementCalls)
}

func TestTransientBusyOnInsertRetried(t *testing.T) {
	fx := newFixture(t)

	fx.repo.busyOnInsert = 1
	f := upload(t, fx.uc, "a.txt", "hello")
	assert.False(t, f.IsDuplicate)
	assert.Equal(t, 1, f.Version)
}

func TestLostRaceOnInsertResolvesAsDuplicate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// 查找时尚无原始记录，写入前被并发上传抢先：
	// 插入返回指纹冲突后应重新判定为重复
	content := "raced content"
	fp, err := Fingerprint(strings.NewReader(content))
	require.NoError(t, err)

	winner := &File{
		ID:               "winner-id",
		StorageKey:       ObjectKey(fp),
		OriginalFilename: "first.txt",
		Size:             int64(len(content)),
		Fingerprint:      fp,
		ReferenceCount:   1,
		UploadedAt:       time.Now(),
	}
	require.NoError(t, fx.repo.Insert(ctx, winner))

	// 第一次查找假装未命中：上传方走原始路径，插入时撞上
	// 指纹唯一约束，应重新查找并判定为重复
	fx.repo.missNextFind = 1

	f, err := fx.uc.Upload(ctx, &UploadInput{
		Filename: "second.txt", Size: int64(len(content)),
		Content: strings.NewReader(content),
	})
	require.NoError(t, err)
	assert.True(t, f.IsDuplicate)
	require.NotNil(t, f.OriginalID)
	assert.Equal(t, winner.ID, *f.OriginalID)

	original, err := fx.uc.GetFile(ctx, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, original.ReferenceCount)
}

func TestUploadInvalidatesStatsCache(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.cache.Set(context.Background(), &Stats{TotalFiles: 99}))

	upload(t, fx.uc, "a.txt", "hello")
	assert.Equal(t, 1, fx.cache.invalidated)

	s, err := fx.cache.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestBatchUpload(t *testing.T) {
	fx := newFixture(t)

	inputs := []*UploadInput{
		{Filename: "one.txt", Size: 5, Content: strings.NewReader("hello")},
		{Filename: "two.txt", Size: 5, Content: strings.NewReader("hello")},
		{Filename: "three.txt", Size: 5, Content: strings.NewReader("world")},
		{Filename: "", Size: 5, Content: strings.NewReader("nope")}, // 缺文件名
	}

	result := fx.uc.BatchUpload(context.Background(), inputs)
	assert.Equal(t, 4, result.TotalCount)
	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Failed, 1)

	stats, err := fx.uc.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalFiles)
	assert.Equal(t, int64(2), stats.UniqueFiles)
	assert.Equal(t, int64(1), stats.DuplicateFiles)
}

func TestDownloadURL(t *testing.T) {
	fx := newFixture(t)
	f := upload(t, fx.uc, "a.txt", "hello")

	url, got, err := fx.uc.DownloadURL(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, "https://blob.example.com/"+f.StorageKey, url)

	_, _, err = fx.uc.DownloadURL(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestOpenFile(t *testing.T) {
	fx := newFixture(t)
	f := upload(t, fx.uc, "a.txt", "hello")

	got, rc, err := fx.uc.OpenFile(context.Background(), f.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, f.ID, got.ID)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// 重复记录共享原始记录的物理对象
	dup := upload(t, fx.uc, "b.txt", "hello")
	_, rc2, err := fx.uc.OpenFile(context.Background(), dup.ID)
	require.NoError(t, err)
	defer rc2.Close()
	data, err = io.ReadAll(rc2)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, _, err = fx.uc.OpenFile(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestConcurrentIdenticalUploads(t *testing.T) {
	fx := newFixture(t)
	const n = 8
	content := bytes.Repeat([]byte("x"), 64)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := fx.uc.Upload(context.Background(), &UploadInput{
				Filename: fmt.Sprintf("f%d.bin", i),
				Size:     int64(len(content)),
				Content:  bytes.NewReader(content),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// 同一指纹最终恰好一条原始记录
	files, _, err := fx.repo.List(context.Background(), nil)
	require.NoError(t, err)
	originals := 0
	for _, f := range files {
		if !f.IsDuplicate {
			originals++
			assert.Equal(t, n, f.ReferenceCount)
		}
	}
	assert.Equal(t, 1, originals)
	assert.Len(t, files, n)
}
