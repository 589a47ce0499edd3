package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/devrev/tabstore/internal/config"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/service"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/devrev/tabstore/internal/tabmodel"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTimeout = 10 * time.Second

func newRuntime(t *testing.T, base string, mutate ...func(*config.Config)) *service.Runtime {
	t.Helper()
	cfg := config.Default(base)
	cfg.Debug.StrictThreadChecks = true
	cfg.Storage.RejectPercent = 100
	cfg.Storage.WarningPercent = 100
	cfg.Storage.MinFreeBytes = 1
	for _, fn := range mutate {
		fn(cfg)
	}

	rt := service.NewRuntime(cfg, zap.NewNop())
	require.NoError(t, rt.Init())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func onLooper(t *testing.T, rt *service.Runtime, fn func()) {
	t.Helper()
	require.NoError(t, rt.Looper().Run(fn))
}

func waitIdle(t *testing.T, rt *service.Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, rt.WaitForIdle(ctx))
}

func newStore(t *testing.T, rt *service.Runtime, index int) *service.TabPersistentStore {
	t.Helper()
	var (
		store *service.TabPersistentStore
		err   error
	)
	onLooper(t, rt, func() {
		store, err = service.NewTabPersistentStore(rt, rt.NewSelector(), service.StoreOptions{SelectorIndex: index})
	})
	require.NoError(t, err)
	return store
}

func waitMigrations(t *testing.T, store *service.TabPersistentStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, store.Policy().WaitForInitialization(ctx))
}

// writeState writes a normal tab state file into dir with its own codec
func writeState(t *testing.T, dir string, id int, url string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	key, err := tabstate.NewKey()
	require.NoError(t, err)
	codec, err := tabstate.NewCodec(key, tabstate.Options{})
	require.NoError(t, err)
	defer codec.Close()

	store := tabstate.NewStore(dir, codec, nil, zap.NewNop())
	require.NoError(t, store.Save(&model.TabState{
		TabID:     id,
		URL:       url,
		Timestamp: time.UnixMilli(1700000000000),
		Blob:      []byte("state-of-" + url),
	}))
}

func writeMetadata(t *testing.T, path string, normalIndex int, normalIDs ...int) {
	t.Helper()
	normal := model.NewTabModelMetadata(normalIndex)
	for _, id := range normalIDs {
		normal.Add(id, urlFor(id))
	}
	data, err := metadata.Serialize(normal, model.NewTabModelMetadata(model.InvalidIndex))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, metadata.WriteFile(path, data))
}

func urlFor(id int) string {
	return "https://example.com/tab/" + strconv.Itoa(id)
}

func selectorDir(base string, index int) string {
	return filepath.Join(base, strconv.Itoa(index))
}

func modelIDs(m *tabmodel.TabModel) []int {
	out := make([]int, 0, m.Count())
	for _, tab := range m.Tabs() {
		out = append(out, tab.ID())
	}
	return out
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

type storeRecorder struct {
	service.BaseStoreObserver
	initialized []int
	details     []int
	loaded      int
}

func (r *storeRecorder) OnInitialized(count int) {
	r.initialized = append(r.initialized, count)
}

func (r *storeRecorder) OnDetailsRead(d metadata.EntryDetails) {
	r.details = append(r.details, d.ID)
}

func (r *storeRecorder) OnStateLoaded() {
	r.loaded++
}

func mkdir(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return dir
}
