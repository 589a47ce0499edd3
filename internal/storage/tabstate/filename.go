package tabstate

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// NormalPrefix starts the state file name of a normal tab
	NormalPrefix = "tab"

	// IncognitoPrefix starts the state file name of an incognito tab
	IncognitoPrefix = "cryptonito"

	// FilePattern matches every tab state file name in a selector directory
	FilePattern = "{" + NormalPrefix + "," + IncognitoPrefix + "}[0-9]*"
)

// FileInfo is a tab state file found in a directory
type FileInfo struct {
	Name      string
	TabID     int
	Incognito bool
}

// FileName returns the state file name of a tab
func FileName(tabID int, incognito bool) string {
	if incognito {
		return IncognitoPrefix + strconv.Itoa(tabID)
	}
	return NormalPrefix + strconv.Itoa(tabID)
}

// ParseFileName extracts the tab id and type from a state file name.
// Metadata files and in-progress temp files never parse.
func ParseFileName(name string) (tabID int, incognito bool, ok bool) {
	if match, _ := doublestar.Match(FilePattern, name); !match {
		return 0, false, false
	}
	suffix, incognito := strings.CutPrefix(name, IncognitoPrefix)
	if !incognito {
		suffix = strings.TrimPrefix(name, NormalPrefix)
	}
	id, err := strconv.Atoi(suffix)
	if err != nil || id < 0 || strconv.Itoa(id) != suffix {
		return 0, false, false
	}
	return id, incognito, true
}

// ListFiles returns the tab state files directly inside dir, ordered by
// tab id. A missing directory has no files.
func ListFiles(dir string) ([]FileInfo, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), FilePattern, doublestar.WithFilesOnly())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	files := make([]FileInfo, 0, len(matches))
	for _, name := range matches {
		id, incognito, ok := ParseFileName(name)
		if !ok {
			continue
		}
		files = append(files, FileInfo{Name: name, TabID: id, Incognito: incognito})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].TabID != files[j].TabID {
			return files[i].TabID < files[j].TabID
		}
		return !files[i].Incognito
	})
	return files, nil
}

// Exists reports whether dir holds a state file for tabID of the given type
func Exists(dir string, tabID int, incognito bool) bool {
	_, err := os.Stat(filepath.Join(dir, FileName(tabID, incognito)))
	return err == nil
}
