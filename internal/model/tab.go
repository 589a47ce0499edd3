package model

import "time"

const (
	// InvalidTabID marks the absence of a tab
	InvalidTabID = -1

	// InvalidIndex marks a model with no selection
	InvalidIndex = -1
)

// LaunchType records how a tab entered its model
type LaunchType int

const (
	LaunchFromUser LaunchType = iota
	LaunchFromLink
	LaunchFromRestore
	LaunchFromExternalApp
)

func (t LaunchType) String() string {
	switch t {
	case LaunchFromUser:
		return "user"
	case LaunchFromLink:
		return "link"
	case LaunchFromRestore:
		return "restore"
	case LaunchFromExternalApp:
		return "external_app"
	default:
		return "unknown"
	}
}

// Tab represents one browsing context. Tabs are owned by a TabModel and are
// only touched on the control looper; background savers work on a TabState
// snapshot instead.
type Tab struct {
	id        int
	url       string
	incognito bool
	ephemeral bool
	launch    LaunchType
	state     []byte
	timestamp time.Time

	dirty     bool
	dirtyGen  uint64
	destroyed bool
}

// NewTab creates a clean tab
func NewTab(id int, url string, incognito bool) *Tab {
	return &Tab{
		id:        id,
		url:       url,
		incognito: incognito,
		timestamp: time.Now(),
	}
}

// NewTabFromState creates a clean tab hydrated from a persisted state
func NewTabFromState(state *TabState) *Tab {
	return &Tab{
		id:        state.TabID,
		url:       state.URL,
		incognito: state.Incognito,
		state:     append([]byte(nil), state.Blob...),
		timestamp: state.Timestamp,
		launch:    LaunchFromRestore,
	}
}

func (t *Tab) ID() int                { return t.id }
func (t *Tab) URL() string            { return t.url }
func (t *Tab) Incognito() bool        { return t.incognito }
func (t *Tab) Ephemeral() bool        { return t.ephemeral }
func (t *Tab) LaunchType() LaunchType { return t.launch }
func (t *Tab) Timestamp() time.Time   { return t.timestamp }
func (t *Tab) IsDestroyed() bool      { return t.destroyed }
func (t *Tab) IsDirty() bool          { return t.dirty }

// SetEphemeral flags a custom/transient tab; ephemeral tabs are never saved
func (t *Tab) SetEphemeral(ephemeral bool) {
	t.ephemeral = ephemeral
}

// SetLaunchType records how the tab entered its model
func (t *Tab) SetLaunchType(launch LaunchType) {
	t.launch = launch
}

// State returns the engine state blob
func (t *Tab) State() []byte {
	return t.state
}

// SetState replaces the engine state blob and marks the tab dirty
func (t *Tab) SetState(blob []byte) {
	t.state = blob
	t.MarkDirty()
}

// SetURL records a navigation and marks the tab dirty
func (t *Tab) SetURL(url string) {
	t.url = url
	t.timestamp = time.Now()
	t.MarkDirty()
}

// MarkDirty flags unsaved changes and returns the new dirty generation
func (t *Tab) MarkDirty() uint64 {
	t.dirty = true
	t.dirtyGen++
	return t.dirtyGen
}

// DirtyGeneration identifies the content a save snapshot was taken from
func (t *Tab) DirtyGeneration() uint64 {
	return t.dirtyGen
}

// MarkSaved clears the dirty flag when no change happened since the
// snapshot of generation gen was taken.
func (t *Tab) MarkSaved(gen uint64) bool {
	if t.dirtyGen != gen {
		return false
	}
	t.dirty = false
	return true
}

// Destroy frees the state blob of a closed tab
func (t *Tab) Destroy() {
	t.destroyed = true
	t.state = nil
}

// TabState is the persisted form of a tab: the decoded content of one tab
// state file. Its URL is authoritative over the metadata file's URL.
type TabState struct {
	TabID     int
	URL       string
	Incognito bool
	Timestamp time.Time
	Blob      []byte
}
