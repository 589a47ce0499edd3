package tabmodel

import (
	"github.com/devrev/tabstore/internal/model"
)

// EventType identifies a tab model change
type EventType int

const (
	DidAddTab EventType = iota
	DidSelectTab
	DidMoveTab
	WillCloseTab
	DidCloseTab
	TabPendingClosure
	TabClosureUndone
	TabClosureCommitted
	TabRemoved
	TabStateChanged
)

var eventNames = map[EventType]string{
	DidAddTab:           "did_add_tab",
	DidSelectTab:        "did_select_tab",
	DidMoveTab:          "did_move_tab",
	WillCloseTab:        "will_close_tab",
	DidCloseTab:         "did_close_tab",
	TabPendingClosure:   "tab_pending_closure",
	TabClosureUndone:    "tab_closure_undone",
	TabClosureCommitted: "tab_closure_committed",
	TabRemoved:          "tab_removed",
	TabStateChanged:     "tab_state_changed",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event describes one change of a TabModel. Index is the tab's index after
// the change (before it, for closures); PreviousIndex is only set by
// DidMoveTab and PreviousTabID only by DidSelectTab.
type Event struct {
	Type          EventType
	Model         *TabModel
	Tab           *model.Tab
	Index         int
	PreviousIndex int
	PreviousTabID int
	Launch        model.LaunchType
}

// Observer receives events synchronously on the looper
type Observer func(Event)

type observerEntry struct {
	id int
	fn Observer
}

// observerList delivers in registration order. Removal during delivery is
// honored for the following events only.
type observerList struct {
	nextID  int
	entries []observerEntry
}

func (l *observerList) add(fn Observer) func() {
	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, observerEntry{id: id, fn: fn})
	return func() {
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

func (l *observerList) notify(ev Event) {
	snapshot := l.entries
	for _, e := range snapshot {
		e.fn(ev)
	}
}
