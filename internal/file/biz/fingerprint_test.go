package biz

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Fingerprint(strings.NewReader("hello"))
	require.NoError(t, err)
	b, err := Fingerprint(strings.NewReader("hello"))
	require.NoError(t, err)
	c, err := Fingerprint(strings.NewReader("world"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64) // SHA-256 十六进制长度
}

func TestFingerprintResetsStream(t *testing.T) {
	r := strings.NewReader("hello")
	_, err := Fingerprint(r)
	require.NoError(t, err)

	// 指纹计算后流应回到起始位置
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFingerprintReadError(t *testing.T) {
	_, err := Fingerprint(errReader{})
	assert.ErrorIs(t, err, ErrReadFailed)
}

func TestObjectKey(t *testing.T) {
	fp, err := Fingerprint(strings.NewReader("hello"))
	require.NoError(t, err)
	key := ObjectKey(fp)
	assert.Equal(t, "files/"+fp[:2]+"/"+fp, key)
}
