package metadata

import (
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/validation"
)

// Metadata file layout, all integers big-endian int32:
//
//	version
//	totalTabCount
//	incognitoCount          (version >= 5)
//	incognitoActiveIndex
//	normalActiveIndex       index among the normal entries (version >= 5),
//	                        into the combined entry list before that
//	{id, url} * totalTabCount
//
// url is a uint16 byte length followed by UTF-8 bytes (version >= 4).
// Incognito entries come first, then normal entries, then entries still
// waiting to be restored.
const (
	CurrentVersion     = 5
	MinReadableVersion = 3

	urlVersion   = 4
	splitVersion = 5
)

// Entry is one tab listed in a metadata file
type Entry struct {
	ID  int
	URL string
}

// Record is a decoded metadata file
type Record struct {
	Version int
	// IncognitoCount is -1 when the file predates the normal/incognito split
	IncognitoCount       int
	IncognitoActiveIndex int
	// NormalActiveIndex counts from the first normal entry when
	// IncognitoCount is known, from the first entry otherwise.
	NormalActiveIndex int
	Entries           []Entry
}

// EntryDetails describes one entry together with what the header says about it
type EntryDetails struct {
	Index             int
	ID                int
	URL               string
	Incognito         model.IncognitoHint
	IsNormalActive    bool
	IsIncognitoActive bool
}

// Details expands every entry in file order
func (r *Record) Details() []EntryDetails {
	normalActive := r.NormalActiveEntry()
	out := make([]EntryDetails, 0, len(r.Entries))
	for i, e := range r.Entries {
		hint := model.HintUnknown
		if r.IncognitoCount >= 0 {
			hint = model.HintFor(i < r.IncognitoCount)
		}
		out = append(out, EntryDetails{
			Index:             i,
			ID:                e.ID,
			URL:               e.URL,
			Incognito:         hint,
			IsNormalActive:    i == normalActive && hint != model.HintIncognito,
			IsIncognitoActive: i == r.IncognitoActiveIndex && hint != model.HintNormal,
		})
	}
	return out
}

// NormalActiveEntry returns the position of the normal active entry in
// Entries, or model.InvalidIndex
func (r *Record) NormalActiveEntry() int {
	if r.NormalActiveIndex == model.InvalidIndex {
		return model.InvalidIndex
	}
	if r.IncognitoCount >= 0 {
		return r.IncognitoCount + r.NormalActiveIndex
	}
	return r.NormalActiveIndex
}

// MaxID returns the largest tab id listed, or model.InvalidTabID
func (r *Record) MaxID() int {
	maxID := model.InvalidTabID
	for _, e := range r.Entries {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	return maxID
}

// IDs returns the listed ids in file order
func (r *Record) IDs() []int {
	ids := make([]int, len(r.Entries))
	for i, e := range r.Entries {
		ids[i] = e.ID
	}
	return ids
}

// Serialize builds a current-version metadata file from the two models.
// Incognito tabs are written first so the normal active index stays usable
// when incognito data cannot be read back.
func Serialize(normal, incognito *model.TabModelMetadata) ([]byte, error) {
	v := validation.NewValidator()
	incognitoCount := len(incognito.IDs)

	normalActive := model.InvalidIndex
	if normal.Index != model.InvalidIndex && normal.Index < len(normal.IDs) {
		normalActive = normal.Index
	}
	incognitoActive := model.InvalidIndex
	if incognito.Index != model.InvalidIndex && incognito.Index < incognitoCount {
		incognitoActive = incognito.Index
	}

	rec := &Record{
		Version:              CurrentVersion,
		IncognitoCount:       incognitoCount,
		IncognitoActiveIndex: incognitoActive,
		NormalActiveIndex:    normalActive,
		Entries:              make([]Entry, 0, incognitoCount+len(normal.IDs)),
	}
	for i, id := range incognito.IDs {
		rec.Entries = append(rec.Entries, Entry{ID: id, URL: v.MetadataURL(incognito.URLs[i])})
	}
	for i, id := range normal.IDs {
		rec.Entries = append(rec.Entries, Entry{ID: id, URL: v.MetadataURL(normal.URLs[i])})
	}
	return Encode(rec)
}

// Encode writes r in the format of r.Version
func Encode(r *Record) ([]byte, error) {
	if r.Version < MinReadableVersion || r.Version > CurrentVersion {
		return nil, errors.UnsupportedVersion(r.Version, MinReadableVersion, CurrentVersion)
	}

	var buf bytes.Buffer
	writeInt := func(v int) {
		_ = binary.Write(&buf, binary.BigEndian, int32(v))
	}

	writeInt(r.Version)
	writeInt(len(r.Entries))
	if r.Version >= splitVersion {
		count := r.IncognitoCount
		if count < 0 {
			count = 0
		}
		writeInt(count)
	}
	writeInt(r.IncognitoActiveIndex)
	writeInt(r.NormalActiveIndex)

	for _, e := range r.Entries {
		writeInt(e.ID)
		if r.Version >= urlVersion {
			if len(e.URL) > validation.MaxMetadataURLSize {
				return nil, errors.InvalidArgument(fmt.Sprintf("url of tab %d too long to encode", e.ID), nil)
			}
			_ = binary.Write(&buf, binary.BigEndian, uint16(len(e.URL)))
			buf.WriteString(e.URL)
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a metadata file. Any structural problem is reported as a
// corrupt-metadata or unsupported-version StoreError.
func Decode(data []byte) (*Record, error) {
	v := validation.NewValidator()
	rd := bytes.NewReader(data)

	readInt := func(field string) (int, error) {
		var n int32
		if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
			return 0, corrupt(field, err)
		}
		return int(n), nil
	}

	version, err := readInt("version")
	if err != nil {
		return nil, err
	}
	if version < MinReadableVersion || version > CurrentVersion {
		return nil, errors.UnsupportedVersion(version, MinReadableVersion, CurrentVersion)
	}

	count, err := readInt("tab count")
	if err != nil {
		return nil, err
	}

	incognitoCount := -1
	if version >= splitVersion {
		if incognitoCount, err = readInt("incognito count"); err != nil {
			return nil, err
		}
		if incognitoCount < 0 {
			return nil, errors.CorruptMetadata(fmt.Sprintf("negative incognito count %d", incognitoCount), nil)
		}
	}
	if err := v.ValidateTabCount(count, incognitoCount); err != nil {
		return nil, err
	}

	incognitoActive, err := readInt("incognito active index")
	if err != nil {
		return nil, err
	}
	normalActive, err := readInt("normal active index")
	if err != nil {
		return nil, err
	}
	if err := v.ValidateActiveIndex("incognito_active_index", incognitoActive, count); err != nil {
		return nil, err
	}
	normalCount := count
	if incognitoCount >= 0 {
		normalCount = count - incognitoCount
	}
	if err := v.ValidateActiveIndex("normal_active_index", normalActive, normalCount); err != nil {
		return nil, err
	}

	rec := &Record{
		Version:              version,
		IncognitoCount:       incognitoCount,
		IncognitoActiveIndex: incognitoActive,
		NormalActiveIndex:    normalActive,
		Entries:              make([]Entry, 0, count),
	}

	for i := 0; i < count; i++ {
		id, err := readInt("tab id")
		if err != nil {
			return nil, err
		}
		entry := Entry{ID: id}
		if version >= urlVersion {
			var n uint16
			if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
				return nil, corrupt("url length", err)
			}
			url := make([]byte, n)
			if _, err := io.ReadFull(rd, url); err != nil {
				return nil, corrupt("url", err)
			}
			entry.URL = string(url)
		}
		rec.Entries = append(rec.Entries, entry)
	}

	return rec, nil
}

func corrupt(field string, err error) error {
	if stderrors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return errors.CorruptMetadata(fmt.Sprintf("metadata truncated reading %s", field), err).
		WithDetail("field", field)
}
