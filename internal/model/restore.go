package model

// IncognitoHint is what the metadata file says about a tab's type. Files
// older than version 5 carry no split, hence HintUnknown.
type IncognitoHint int8

const (
	HintUnknown IncognitoHint = iota
	HintNormal
	HintIncognito
)

// HintFor converts a known incognito flag into a hint
func HintFor(incognito bool) IncognitoHint {
	if incognito {
		return HintIncognito
	}
	return HintNormal
}

func (h IncognitoHint) String() string {
	switch h {
	case HintNormal:
		return "normal"
	case HintIncognito:
		return "incognito"
	default:
		return "unknown"
	}
}

// TabRestoreDetails represents a tab listed in the metadata file that has
// not been materialized yet. It only lives during startup restore.
type TabRestoreDetails struct {
	ID            int
	OriginalIndex int
	Incognito     IncognitoHint
	URL           string
}

// TabModelMetadata is the serializable view of one model: ids and URLs in
// tab order plus the selected index.
type TabModelMetadata struct {
	Index int
	IDs   []int
	URLs  []string
}

// NewTabModelMetadata creates an empty metadata list with the given selection
func NewTabModelMetadata(index int) *TabModelMetadata {
	return &TabModelMetadata{Index: index}
}

// Add appends one tab
func (m *TabModelMetadata) Add(id int, url string) {
	m.IDs = append(m.IDs, id)
	m.URLs = append(m.URLs, url)
}

// Contains reports whether id is listed
func (m *TabModelMetadata) Contains(id int) bool {
	for _, existing := range m.IDs {
		if existing == id {
			return true
		}
	}
	return false
}

// MigratedURL is written as the metadata URL of a tab whose state file was
// copied by the layout migration. Such an entry must be restored from its
// state file, which carries the real URL; the loader never rebuilds a tab
// from an empty metadata URL.
const MigratedURL = ""
