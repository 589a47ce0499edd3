package tabstate

import (
	stderrors "errors"
	"os"
	"path/filepath"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/storage/diskmanager"
	"github.com/devrev/tabstore/internal/util/fileutil"
	"github.com/devrev/tabstore/internal/validation"
	"go.uber.org/zap"
)

const filePerm = 0o600

// Store manages the tab state files of one directory. Methods do blocking
// file I/O and are called from executor tasks, never from the looper.
type Store struct {
	dir       string
	codec     *Codec
	checker   diskmanager.Checker
	validator *validation.Validator
	logger    *zap.Logger
}

// NewStore creates a store over dir. checker may be nil.
func NewStore(dir string, codec *Codec, checker diskmanager.Checker, logger *zap.Logger) *Store {
	return &Store{
		dir:       dir,
		codec:     codec,
		checker:   checker,
		validator: validation.NewValidator(),
		logger:    logger,
	}
}

// Dir returns the directory holding the files
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of a tab's state
func (s *Store) Path(tabID int, incognito bool) string {
	return filepath.Join(s.dir, FileName(tabID, incognito))
}

// Save writes state to its file. A disk that cannot take the write yields
// an OutOfResource error and the previous file content, if any, is kept.
func (s *Store) Save(state *model.TabState) error {
	if err := s.validator.ValidateState(state); err != nil {
		return err
	}
	path := s.Path(state.TabID, state.Incognito)

	data, err := s.codec.Encode(state)
	if err != nil {
		return errors.InternalError("encode tab state", err).WithDetail("tab_id", state.TabID)
	}

	if s.checker != nil {
		if err := s.checker.CheckBeforeWrite(uint64(len(data))); err != nil {
			return errors.OutOfResource(path, err).WithDetail("tab_id", state.TabID)
		}
	}

	if err := fileutil.WriteAtomic(path, data, filePerm); err != nil {
		if errors.IsOutOfResource(err) {
			return errors.OutOfResource(path, err).WithDetail("tab_id", state.TabID)
		}
		return errors.IOFailure(path, err).WithDetail("tab_id", state.TabID)
	}

	s.logger.Debug("Tab state saved",
		zap.Int("tab_id", state.TabID),
		zap.Bool("incognito", state.Incognito),
		zap.Int("bytes", len(data)))
	return nil
}

// Read loads one state file. The decoded record must match the id and type
// the file name claims.
func (s *Store) Read(tabID int, incognito bool) (*model.TabState, error) {
	path := s.Path(tabID, incognito)
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, errors.TabStateNotFound(tabID)
		}
		return nil, errors.IOFailure(path, err).WithDetail("tab_id", tabID)
	}

	state, err := s.codec.Decode(data)
	if err != nil {
		return nil, errors.CorruptTabState(path, err).WithDetail("tab_id", tabID)
	}
	if state.TabID != tabID || state.Incognito != incognito {
		return nil, errors.CorruptTabState(path, nil).
			WithDetail("tab_id", tabID).
			WithDetail("record_tab_id", state.TabID)
	}
	return state, nil
}

// Restore loads a tab's state guided by the metadata hint. With an unknown
// hint the normal file is tried before the incognito one.
func (s *Store) Restore(tabID int, hint model.IncognitoHint) (*model.TabState, error) {
	switch hint {
	case model.HintNormal:
		return s.Read(tabID, false)
	case model.HintIncognito:
		return s.Read(tabID, true)
	}

	state, err := s.Read(tabID, false)
	if err == nil || !errors.IsNotFound(err) {
		return state, err
	}
	return s.Read(tabID, true)
}

// Exists reports whether a state file of the given type exists
func (s *Store) Exists(tabID int, incognito bool) bool {
	return Exists(s.dir, tabID, incognito)
}

// Delete removes a tab's state file of the given type
func (s *Store) Delete(tabID int, incognito bool) error {
	path := s.Path(tabID, incognito)
	if err := fileutil.RemoveIfExists(path); err != nil {
		return errors.IOFailure(path, err).WithDetail("tab_id", tabID)
	}
	return nil
}

// DeleteFile removes a state file by name
func (s *Store) DeleteFile(name string) error {
	path := filepath.Join(s.dir, name)
	if err := fileutil.RemoveIfExists(path); err != nil {
		return errors.IOFailure(path, err)
	}
	return nil
}

// List returns the state files in the directory
func (s *Store) List() ([]FileInfo, error) {
	files, err := ListFiles(s.dir)
	if err != nil {
		return nil, errors.IOFailure(s.dir, err)
	}
	return files, nil
}
