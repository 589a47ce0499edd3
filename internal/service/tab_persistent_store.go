package service

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/devrev/tabstore/internal/tabmodel"
	"github.com/devrev/tabstore/internal/util/looper"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// StoreObserver is notified of store milestones on the looper
type StoreObserver interface {
	// OnInitialized is called once the metadata file has been read, with
	// the number of tabs waiting to be restored.
	OnInitialized(tabCount int)
	// OnDetailsRead is called for every metadata entry queued for restore
	OnDetailsRead(details metadata.EntryDetails)
	// OnStateLoaded is called when the restore queue has drained
	OnStateLoaded()
	// OnMetadataSavedAsynchronously is called after a background metadata write
	OnMetadataSavedAsynchronously()
}

// BaseStoreObserver implements StoreObserver with no-ops for embedding
type BaseStoreObserver struct{}

func (BaseStoreObserver) OnInitialized(int) {}
func (BaseStoreObserver) OnDetailsRead(metadata.EntryDetails) {}
func (BaseStoreObserver) OnStateLoaded() {}
func (BaseStoreObserver) OnMetadataSavedAsynchronously() {}

// StoreOptions configures a TabPersistentStore
type StoreOptions struct {
	SelectorIndex int
	// Engine produces and consumes tab state blobs. Without one the blob
	// held by the tab itself is persisted.
	Engine tabmodel.Engine
	// Prefetch starts reading the metadata file and the last active tab's
	// state as soon as the store is created.
	Prefetch bool
}

type saveTabTask struct {
	tab    *model.Tab
	state  *model.TabState
	gen    uint64
	saved  atomic.Bool
	future *workerpool.Future[struct{}]
}

type loadTabTask struct {
	details *model.TabRestoreDetails
	future  *workerpool.Future[*model.TabState]
}

// TabPersistentStore saves and restores the tabs of one selector. Every
// exported method must be called on the runtime's looper.
type TabPersistentStore struct {
	rt       *Runtime
	policy   *PersistencePolicy
	selector *tabmodel.Selector
	states   *tabstate.Store
	engine   tabmodel.Engine
	loop     *looper.Looper
	logger   *zap.Logger
	label    string

	observers      []StoreObserver
	removeObserver func()

	// save pipeline
	tabsToSave   []*model.Tab
	saveTabTask  *saveTabTask
	saveListTask *workerpool.Future[struct{}]
	// lastSavedMetadata is guarded by rt.saveListMu
	lastSavedMetadata []byte

	// restore pipeline
	tabsToRestore        []*model.TabRestoreDetails
	loadTabTask          *loadTabTask
	normalRestored       restoredTabs
	incognitoRestored    restoredTabs
	loadInProgress       bool
	loadStart            time.Time
	cancelNormalLoads    bool
	cancelIncognitoLoads bool

	prefetchTabList   *workerpool.Future[[]byte]
	prefetchActiveTab *workerpool.Future[*model.TabState]
	prefetchActiveID  int

	stateLoaded atomic.Bool
	destroyed   atomic.Bool
}

// NewTabPersistentStore creates the store of selector, registers the
// selector with the runtime and starts the one-time file migrations.
func NewTabPersistentStore(rt *Runtime, selector *tabmodel.Selector, opts StoreOptions) (*TabPersistentStore, error) {
	rt.loop.Check("NewTabPersistentStore")

	policy := newPersistencePolicy(rt, opts.SelectorIndex)
	if err := rt.registry.Register(opts.SelectorIndex, selector); err != nil {
		return nil, errors.InvalidArgument("cannot register selector", err)
	}
	if err := policy.EnsureStateDir(); err != nil {
		rt.registry.Unregister(opts.SelectorIndex, selector)
		return nil, errors.IOFailure(policy.StateDir(), err)
	}

	logger := rt.logger.With(zap.Int("selector_index", opts.SelectorIndex))
	s := &TabPersistentStore{
		rt:               rt,
		policy:           policy,
		selector:         selector,
		states:           tabstate.NewStore(policy.StateDir(), rt.codec, rt.disk, logger),
		engine:           opts.Engine,
		loop:             rt.loop,
		logger:           logger,
		label:            strconv.Itoa(opts.SelectorIndex),
		prefetchActiveID: model.InvalidTabID,
	}

	if policy.PerformInitialization() {
		s.logger.Info("File migration pending, prefetch queued behind it")
	}
	if opts.Prefetch {
		s.startPrefetch()
	}

	s.removeObserver = selector.AddObserver(s.onTabModelEvent)
	return s, nil
}

// SelectorIndex returns the index of the store's selector
func (s *TabPersistentStore) SelectorIndex() int {
	return s.policy.SelectorIndex()
}

// Selector returns the selector the store persists
func (s *TabPersistentStore) Selector() *tabmodel.Selector {
	return s.selector
}

// Policy returns the store's layout policy
func (s *TabPersistentStore) Policy() *PersistencePolicy {
	return s.policy
}

// AddObserver registers o for store milestones
func (s *TabPersistentStore) AddObserver(o StoreObserver) {
	s.loop.Check("AddObserver")
	s.observers = append(s.observers, o)
}

// StateLoaded reports whether the restore queue has drained. Safe to call
// from any goroutine.
func (s *TabPersistentStore) StateLoaded() bool {
	return s.stateLoaded.Load()
}

// PendingSaveCount returns the number of tabs waiting to be saved
func (s *TabPersistentStore) PendingSaveCount() int {
	s.loop.Check("PendingSaveCount")
	n := len(s.tabsToSave)
	if s.saveTabTask != nil {
		n++
	}
	return n
}

// PendingRestoreCount returns the number of tabs waiting to be restored
func (s *TabPersistentStore) PendingRestoreCount() int {
	s.loop.Check("PendingRestoreCount")
	n := len(s.tabsToRestore)
	if s.loadTabTask != nil {
		n++
	}
	return n
}

func (s *TabPersistentStore) ctx() context.Context {
	return s.rt.ctx
}

func (s *TabPersistentStore) onTabModelEvent(ev tabmodel.Event) {
	if s.destroyed.Load() {
		return
	}

	// The list is written by saveNextTab once no tab save is pending, so it
	// never names a tab whose state file is still queued.
	switch ev.Type {
	case tabmodel.DidAddTab:
		if ev.Launch == model.LaunchFromRestore {
			return
		}
		s.enqueueForSave(ev.Tab)
		s.saveNextTab()

	case tabmodel.DidSelectTab:
		if ev.Tab == nil || ev.PreviousTabID == ev.Tab.ID() {
			return
		}
		if previous := s.selector.TabByID(ev.PreviousTabID); previous != nil {
			s.enqueueForSave(previous)
		}
		s.saveNextTab()

	case tabmodel.DidMoveTab, tabmodel.TabPendingClosure, tabmodel.TabClosureUndone:
		s.saveNextTab()

	case tabmodel.DidCloseTab, tabmodel.TabClosureCommitted:
		s.removeTabFromQueues(ev.Tab, true)
		s.saveNextTab()

	case tabmodel.TabRemoved:
		s.removeTabFromQueues(ev.Tab, false)
		s.saveNextTab()

	case tabmodel.TabStateChanged:
		s.AddTabToSaveQueue(ev.Tab)
	}
}

func (s *TabPersistentStore) updateQueueMetrics() {
	s.rt.metrics.SetQueueDepths(s.label, len(s.tabsToSave), len(s.tabsToRestore))
}

func (s *TabPersistentStore) notifyInitialized(count int) {
	for _, o := range s.observers {
		o.OnInitialized(count)
	}
}

func (s *TabPersistentStore) notifyDetailsRead(d metadata.EntryDetails) {
	for _, o := range s.observers {
		o.OnDetailsRead(d)
	}
}

func (s *TabPersistentStore) notifyStateLoaded() {
	for _, o := range s.observers {
		o.OnStateLoaded()
	}
}

func (s *TabPersistentStore) notifyMetadataSaved() {
	for _, o := range s.observers {
		o.OnMetadataSavedAsynchronously()
	}
}
