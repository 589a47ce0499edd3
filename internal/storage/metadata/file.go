package metadata

import (
	"os"
	"strconv"
	"strings"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/util/fileutil"
)

const (
	// FilePrefix starts every metadata file name; the selector index follows
	FilePrefix = "tab_state"

	// LegacyFileName is the metadata file of layouts without selector indices
	LegacyFileName = FilePrefix

	filePerm = 0o600
)

// FileName returns the metadata file name of a selector
func FileName(selectorIndex int) string {
	return FilePrefix + strconv.Itoa(selectorIndex)
}

// ParseFileName extracts the selector index from a metadata file name
func ParseFileName(name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, FilePrefix)
	if !ok || suffix == "" {
		return 0, false
	}
	index, err := strconv.Atoi(suffix)
	if err != nil || index < 0 || strconv.Itoa(index) != suffix {
		return 0, false
	}
	return index, true
}

// WriteFile atomically replaces the metadata file at path
func WriteFile(path string, data []byte) error {
	if err := fileutil.WriteAtomic(path, data, filePerm); err != nil {
		if errors.IsOutOfResource(err) {
			return errors.OutOfResource(path, err)
		}
		return errors.IOFailure(path, err)
	}
	return nil
}

// ReadFile reads and decodes the metadata file at path. A missing file
// returns an error satisfying errors.Is(err, os.ErrNotExist).
func ReadFile(path string) (*Record, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, data, err
	}
	return rec, data, nil
}
