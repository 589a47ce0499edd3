package tabstate_test

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/storage/diskmanager"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) CheckBeforeWrite(estimatedBytes uint64) error {
	args := m.Called(estimatedBytes)
	return args.Error(0)
}

func newCodec(t *testing.T, opts tabstate.Options) *tabstate.Codec {
	t.Helper()
	key, err := tabstate.NewKey()
	require.NoError(t, err)
	codec, err := tabstate.NewCodec(key, opts)
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func testState(id int, incognito bool) *model.TabState {
	return &model.TabState{
		TabID:     id,
		URL:       "https://example.com/page",
		Incognito: incognito,
		Timestamp: time.UnixMilli(1700000000123),
		Blob:      bytes.Repeat([]byte("navigation-entry;"), 64),
	}
}

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		incognito bool
		opts      tabstate.Options
	}{
		{"normal", false, tabstate.Options{}},
		{"normal compressed", false, tabstate.Options{Compress: true}},
		{"incognito", true, tabstate.Options{}},
		{"incognito compressed", true, tabstate.Options{Compress: true, CompressMinSize: 16}},
		{"below compression threshold", false, tabstate.Options{Compress: true, CompressMinSize: 1 << 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := newCodec(t, tt.opts)
			state := testState(7, tt.incognito)

			data, err := codec.Encode(state)
			require.NoError(t, err)
			assert.True(t, bytes.HasPrefix(data, []byte(tabstate.Magic)))

			got, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, state.TabID, got.TabID)
			assert.Equal(t, state.URL, got.URL)
			assert.Equal(t, state.Incognito, got.Incognito)
			assert.True(t, state.Timestamp.Equal(got.Timestamp))
			assert.Equal(t, state.Blob, got.Blob)
		})
	}
}

func TestCodec_CompressesLargeBlobs(t *testing.T) {
	plain := newCodec(t, tabstate.Options{})
	compressed := newCodec(t, tabstate.Options{Compress: true})
	state := testState(1, false)

	a, err := plain.Encode(state)
	require.NoError(t, err)
	b, err := compressed.Encode(state)
	require.NoError(t, err)
	assert.Less(t, len(b), len(a))
}

func TestCodec_IncognitoNeedsSameKey(t *testing.T) {
	data, err := newCodec(t, tabstate.Options{}).Encode(testState(3, true))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, []byte("navigation-entry")))

	_, err = newCodec(t, tabstate.Options{}).Decode(data)
	assert.ErrorIs(t, err, tabstate.ErrUnsealFailed)
}

func TestCodec_RejectsDamage(t *testing.T) {
	codec := newCodec(t, tabstate.Options{})
	data, err := codec.Encode(testState(3, false))
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)/2] ^= 0xff
	_, err = codec.Decode(flipped)
	assert.Error(t, err)

	_, err = codec.Decode(data[:len(data)-1])
	assert.Error(t, err)

	_, err = codec.Decode(nil)
	assert.Error(t, err)
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name      string
		id        int
		incognito bool
		ok        bool
	}{
		{"tab5", 5, false, true},
		{"cryptonito12", 12, true, true},
		{"tab0", 0, false, true},
		{"tab_state0", 0, false, false},
		{"tab", 0, false, false},
		{"tab05", 0, false, false},
		{"tab5x", 0, false, false},
		{".tmp-tab5-123", 0, false, false},
		{"cryptonito", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, incognito, ok := tabstate.ParseFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.id, id)
				assert.Equal(t, tt.incognito, incognito)
				assert.Equal(t, tt.name, tabstate.FileName(id, incognito))
			}
		})
	}
}

func TestStore_SaveReadDelete(t *testing.T) {
	dir := t.TempDir()
	store := tabstate.NewStore(dir, newCodec(t, tabstate.Options{}), nil, zap.NewNop())

	require.NoError(t, store.Save(testState(4, false)))
	require.NoError(t, store.Save(testState(9, true)))

	got, err := store.Read(4, false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page", got.URL)

	got, err = store.Restore(9, model.HintUnknown)
	require.NoError(t, err)
	assert.True(t, got.Incognito)

	_, err = store.Read(9, false)
	assert.Equal(t, errors.ErrCodeTabStateNotFound, errors.GetCode(err))

	files, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []tabstate.FileInfo{
		{Name: "tab4", TabID: 4},
		{Name: "cryptonito9", TabID: 9, Incognito: true},
	}, files)

	require.NoError(t, store.Delete(4, false))
	require.NoError(t, store.Delete(4, false))
	assert.False(t, store.Exists(4, false))
	assert.True(t, store.Exists(9, true))
}

func TestStore_ReadRejectsMismatchedFile(t *testing.T) {
	dir := t.TempDir()
	store := tabstate.NewStore(dir, newCodec(t, tabstate.Options{}), nil, zap.NewNop())
	require.NoError(t, store.Save(testState(4, false)))
	require.NoError(t, os.Rename(filepath.Join(dir, "tab4"), filepath.Join(dir, "tab5")))

	_, err := store.Read(5, false)
	assert.Equal(t, errors.ErrCodeCorruptTabState, errors.GetCode(err))
}

func TestStore_SaveOutOfResource(t *testing.T) {
	t.Run("disk manager rejects", func(t *testing.T) {
		checker := &mockChecker{}
		checker.On("CheckBeforeWrite", mock.AnythingOfType("uint64")).
			Return(&diskmanager.DiskSpaceError{Code: diskmanager.ErrCodeDiskFull, Message: "disk full"})

		dir := t.TempDir()
		store := tabstate.NewStore(dir, newCodec(t, tabstate.Options{}), checker, zap.NewNop())

		err := store.Save(testState(1, false))
		require.Error(t, err)
		assert.True(t, errors.IsOutOfResource(err))
		assert.False(t, store.Exists(1, false))
		checker.AssertExpectations(t)
	})

	t.Run("enospc", func(t *testing.T) {
		checker := &mockChecker{}
		checker.On("CheckBeforeWrite", mock.Anything).Return(syscall.ENOSPC)

		store := tabstate.NewStore(t.TempDir(), newCodec(t, tabstate.Options{}), checker, zap.NewNop())
		err := store.Save(testState(1, false))
		assert.Equal(t, errors.ErrCodeOutOfResource, errors.GetCode(err))
	})
}

func TestStore_SaveValidates(t *testing.T) {
	store := tabstate.NewStore(t.TempDir(), newCodec(t, tabstate.Options{}), nil, zap.NewNop())

	err := store.Save(&model.TabState{TabID: -3})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	err = store.Save(nil)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}
