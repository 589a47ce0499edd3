// Package tabmodel holds the ordered tab collections the persistence layer
// saves and restores. All mutation happens on the control looper.
package tabmodel

import (
	"fmt"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/util/looper"
	"go.uber.org/zap"
)

// Unbounded is the capacity of a model without a tab limit
const Unbounded = 0

// Engine is the browser engine boundary: it produces the serialized state
// of a live tab and consumes it when the tab is restored.
type Engine interface {
	GetState(tab *model.Tab) ([]byte, error)
	SetState(tab *model.Tab, blob []byte) error
}

// Options configures a TabModel
type Options struct {
	// MaxTabs bounds the model. 1 makes every add replace the existing
	// tab; any other positive value rejects adds beyond it.
	MaxTabs int
	Looper  *looper.Looper
	Logger  *zap.Logger
}

type pendingClosure struct {
	tab   *model.Tab
	index int
}

// TabModel is the ordered list of tabs of one security domain
type TabModel struct {
	incognito bool
	maxTabs   int
	loop      *looper.Looper
	logger    *zap.Logger
	isCurrent func() bool

	tabs      []*model.Tab
	index     int
	pending   []pendingClosure
	observers observerList
}

// NewTabModel creates an empty model. isCurrent reports whether the owning
// selector shows this model; nil means always current.
func NewTabModel(incognito bool, opts Options, isCurrent func() bool) *TabModel {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if isCurrent == nil {
		isCurrent = func() bool { return true }
	}
	return &TabModel{
		incognito: incognito,
		maxTabs:   opts.MaxTabs,
		loop:      opts.Looper,
		logger:    opts.Logger.With(zap.Bool("incognito", incognito)),
		isCurrent: isCurrent,
		index:     model.InvalidIndex,
	}
}

func (m *TabModel) check(operation string) {
	if m.loop != nil {
		m.loop.Check(operation)
	}
}

// Incognito reports the model's security domain
func (m *TabModel) Incognito() bool { return m.incognito }

// MaxTabs returns the capacity, Unbounded for none
func (m *TabModel) MaxTabs() int { return m.maxTabs }

// IsCurrent reports whether the selector shows this model
func (m *TabModel) IsCurrent() bool { return m.isCurrent() }

// Count returns the number of open tabs, pending closures excluded
func (m *TabModel) Count() int { return len(m.tabs) }

// Index returns the selected index or model.InvalidIndex
func (m *TabModel) Index() int { return m.index }

// TabAt returns the tab at i or nil
func (m *TabModel) TabAt(i int) *model.Tab {
	if i < 0 || i >= len(m.tabs) {
		return nil
	}
	return m.tabs[i]
}

// CurrentTab returns the selected tab or nil
func (m *TabModel) CurrentTab() *model.Tab {
	return m.TabAt(m.index)
}

// Tabs returns a copy of the open tabs in order
func (m *TabModel) Tabs() []*model.Tab {
	return append([]*model.Tab(nil), m.tabs...)
}

// IndexOf returns the position of tab or model.InvalidIndex
func (m *TabModel) IndexOf(tab *model.Tab) int {
	for i, t := range m.tabs {
		if t == tab {
			return i
		}
	}
	return model.InvalidIndex
}

// TabByID returns the open tab with id, or nil
func (m *TabModel) TabByID(id int) *model.Tab {
	for _, t := range m.tabs {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// PendingTabByID returns a tab awaiting closure commit, or nil
func (m *TabModel) PendingTabByID(id int) *model.Tab {
	for _, p := range m.pending {
		if p.tab.ID() == id {
			return p.tab
		}
	}
	return nil
}

// ContainsID reports whether id is open or pending closure in this model
func (m *TabModel) ContainsID(id int) bool {
	return m.TabByID(id) != nil || m.PendingTabByID(id) != nil
}

// AddObserver registers fn and returns its removal function
func (m *TabModel) AddObserver(fn Observer) (remove func()) {
	return m.observers.add(fn)
}

// AddTab inserts tab at index; an out-of-range index appends. The first tab
// of a model becomes its selection whether or not the model is current;
// inserting at or before the selection shifts it.
func (m *TabModel) AddTab(tab *model.Tab, index int, launch model.LaunchType) error {
	m.check("AddTab")

	if tab == nil {
		return errors.InvalidArgument("nil tab", nil)
	}
	if tab.Incognito() != m.incognito {
		return errors.InvalidArgument(
			fmt.Sprintf("tab %d has the wrong incognito state for this model", tab.ID()), nil).
			WithDetail("tab_id", tab.ID())
	}
	if m.ContainsID(tab.ID()) {
		return errors.InvalidArgument(fmt.Sprintf("tab %d already in model", tab.ID()), nil).
			WithDetail("tab_id", tab.ID())
	}

	switch {
	case m.maxTabs == 1 && len(m.tabs) > 0:
		m.CloseTab(m.tabs[0], false)
	case m.maxTabs > 1 && len(m.tabs) >= m.maxTabs:
		return errors.ModelFull(m.incognito, m.maxTabs)
	}

	if index < 0 || index > len(m.tabs) {
		index = len(m.tabs)
	}
	m.tabs = append(m.tabs, nil)
	copy(m.tabs[index+1:], m.tabs[index:])
	m.tabs[index] = tab
	tab.SetLaunchType(launch)

	switch {
	case m.index == model.InvalidIndex:
		// only an empty model has no selection
		m.index = index
	case index <= m.index:
		m.index++
	}

	m.logger.Debug("Tab added",
		zap.Int("tab_id", tab.ID()),
		zap.Int("index", index),
		zap.Stringer("launch", launch))

	m.observers.notify(Event{Type: DidAddTab, Model: m, Tab: tab, Index: index, Launch: launch})
	return nil
}

// removeAt takes the tab at i out of the list and fixes the selection:
// closing the selected tab selects its left neighbour, or the right one
// when it was first. It returns whether the selection moved to a new tab.
func (m *TabModel) removeAt(i int) bool {
	wasSelected := i == m.index
	m.tabs = append(m.tabs[:i], m.tabs[i+1:]...)

	switch {
	case len(m.tabs) == 0:
		m.index = model.InvalidIndex
		return false
	case i < m.index:
		m.index--
	case wasSelected:
		if i > 0 {
			m.index = i - 1
		} else {
			m.index = 0
		}
		return true
	}
	return false
}

// CloseTab closes tab. With canUndo the tab waits in the pending list for
// CommitTabClosure or CancelTabClosure; otherwise it is destroyed. It
// returns false when tab is not open in this model.
func (m *TabModel) CloseTab(tab *model.Tab, canUndo bool) bool {
	m.check("CloseTab")

	i := m.IndexOf(tab)
	if i == model.InvalidIndex {
		return false
	}

	m.observers.notify(Event{Type: WillCloseTab, Model: m, Tab: tab, Index: i})

	selectionMoved := m.removeAt(i)

	if canUndo {
		m.pending = append(m.pending, pendingClosure{tab: tab, index: i})
		m.observers.notify(Event{Type: TabPendingClosure, Model: m, Tab: tab, Index: i})
	} else {
		m.observers.notify(Event{Type: DidCloseTab, Model: m, Tab: tab, Index: i})
		tab.Destroy()
	}

	if selectionMoved {
		m.notifySelected(tab.ID())
	}

	m.logger.Debug("Tab closed", zap.Int("tab_id", tab.ID()), zap.Bool("can_undo", canUndo))
	return true
}

// RemoveTab detaches tab without destroying it, for tabs moving to another
// selector.
func (m *TabModel) RemoveTab(tab *model.Tab) bool {
	m.check("RemoveTab")

	i := m.IndexOf(tab)
	if i == model.InvalidIndex {
		return false
	}
	selectionMoved := m.removeAt(i)
	m.observers.notify(Event{Type: TabRemoved, Model: m, Tab: tab, Index: i})
	if selectionMoved {
		m.notifySelected(tab.ID())
	}
	return true
}

// CommitTabClosure destroys a tab waiting in the pending list
func (m *TabModel) CommitTabClosure(id int) bool {
	m.check("CommitTabClosure")

	for i, p := range m.pending {
		if p.tab.ID() != id {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		m.observers.notify(Event{Type: TabClosureCommitted, Model: m, Tab: p.tab, Index: p.index})
		p.tab.Destroy()
		return true
	}
	return false
}

// CommitAllTabClosures destroys every pending tab
func (m *TabModel) CommitAllTabClosures() {
	for len(m.pending) > 0 {
		m.CommitTabClosure(m.pending[0].tab.ID())
	}
}

// CancelTabClosure reinserts a pending tab at its previous index
func (m *TabModel) CancelTabClosure(id int) bool {
	m.check("CancelTabClosure")

	for i, p := range m.pending {
		if p.tab.ID() != id {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)

		index := p.index
		if index > len(m.tabs) {
			index = len(m.tabs)
		}
		m.tabs = append(m.tabs, nil)
		copy(m.tabs[index+1:], m.tabs[index:])
		m.tabs[index] = p.tab

		switch {
		case m.index == model.InvalidIndex:
			m.index = index
		case index <= m.index:
			m.index++
		}

		m.observers.notify(Event{Type: TabClosureUndone, Model: m, Tab: p.tab, Index: index})
		return true
	}
	return false
}

// MoveTab moves the tab with id to newIndex, clamped to the model. The
// selected tab stays selected.
func (m *TabModel) MoveTab(id int, newIndex int) bool {
	m.check("MoveTab")

	tab := m.TabByID(id)
	if tab == nil {
		return false
	}
	oldIndex := m.IndexOf(tab)
	newIndex = clamp(newIndex, 0, len(m.tabs)-1)
	if newIndex == oldIndex {
		return true
	}

	selected := m.CurrentTab()
	m.tabs = append(m.tabs[:oldIndex], m.tabs[oldIndex+1:]...)
	m.tabs = append(m.tabs, nil)
	copy(m.tabs[newIndex+1:], m.tabs[newIndex:])
	m.tabs[newIndex] = tab
	m.index = m.IndexOf(selected)

	m.observers.notify(Event{
		Type: DidMoveTab, Model: m, Tab: tab, Index: newIndex, PreviousIndex: oldIndex,
	})
	return true
}

// SetIndex selects the tab at i, clamped to the model
func (m *TabModel) SetIndex(i int) {
	m.check("SetIndex")

	if len(m.tabs) == 0 {
		m.index = model.InvalidIndex
		return
	}
	previous := m.CurrentTab()
	m.index = clamp(i, 0, len(m.tabs)-1)

	previousID := model.InvalidTabID
	if previous != nil {
		previousID = previous.ID()
	}
	m.notifySelected(previousID)
}

func (m *TabModel) notifySelected(previousID int) {
	m.observers.notify(Event{
		Type:          DidSelectTab,
		Model:         m,
		Tab:           m.CurrentTab(),
		Index:         m.index,
		PreviousTabID: previousID,
	})
}

// NotifyTabStateChanged marks tab dirty and tells observers its state
// needs saving.
func (m *TabModel) NotifyTabStateChanged(tab *model.Tab) {
	m.check("NotifyTabStateChanged")

	i := m.IndexOf(tab)
	if i == model.InvalidIndex {
		return
	}
	tab.MarkDirty()
	m.observers.notify(Event{Type: TabStateChanged, Model: m, Tab: tab, Index: i})
}

// CloseAllTabs closes every open tab without undo and commits pending ones
func (m *TabModel) CloseAllTabs() {
	m.check("CloseAllTabs")

	for len(m.tabs) > 0 {
		m.CloseTab(m.tabs[len(m.tabs)-1], false)
	}
	m.CommitAllTabClosures()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
