package validation

import (
	"fmt"
	"unicode/utf8"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/model"
)

const (
	// MaxMetadataURLSize is the largest URL the metadata string encoding can hold
	MaxMetadataURLSize = 1<<16 - 1

	// MaxStateBlobSize bounds one tab's engine state
	MaxStateBlobSize = 64 * 1024 * 1024 // 64 MB

	// MaxTabsPerSelector bounds the tab count a metadata file may declare
	MaxTabsPerSelector = 1 << 16
)

// Validator validates tabs and persisted records
type Validator struct {
	maxStateBlobSize int
	maxTabs          int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxStateBlobSize: MaxStateBlobSize,
		maxTabs:          MaxTabsPerSelector,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxStateBlobSize, maxTabs int) *Validator {
	return &Validator{
		maxStateBlobSize: maxStateBlobSize,
		maxTabs:          maxTabs,
	}
}

// ValidateTabID rejects ids the id manager never hands out
func (v *Validator) ValidateTabID(id int) error {
	if id < 0 {
		return errors.InvalidArgument(fmt.Sprintf("invalid tab id %d", id), nil).
			WithDetail("tab_id", id)
	}
	return nil
}

// ValidateState checks a tab state before it is written
func (v *Validator) ValidateState(state *model.TabState) error {
	if state == nil {
		return errors.InvalidArgument("nil tab state", nil)
	}
	if err := v.ValidateTabID(state.TabID); err != nil {
		return err
	}
	if len(state.Blob) > v.maxStateBlobSize {
		return errors.InvalidArgument(
			fmt.Sprintf("state blob of %d bytes exceeds maximum %d", len(state.Blob), v.maxStateBlobSize), nil).
			WithDetail("tab_id", state.TabID).
			WithDetail("size", len(state.Blob))
	}
	if !utf8.ValidString(state.URL) {
		return errors.InvalidArgument("tab URL is not valid UTF-8", nil).
			WithDetail("tab_id", state.TabID)
	}
	return nil
}

// ValidateTabCount checks counts declared by a metadata header
func (v *Validator) ValidateTabCount(total, incognito int) error {
	if total < 0 || total > v.maxTabs {
		return errors.CorruptMetadata(fmt.Sprintf("tab count %d out of range", total), nil).
			WithDetail("count", total)
	}
	if incognito > total {
		return errors.CorruptMetadata(
			fmt.Sprintf("incognito count %d exceeds total %d", incognito, total), nil).
			WithDetail("incognito_count", incognito)
	}
	return nil
}

// ValidateActiveIndex checks an active index against the entry count
func (v *Validator) ValidateActiveIndex(name string, index, total int) error {
	if index < model.InvalidIndex || index >= total && index != model.InvalidIndex {
		return errors.CorruptMetadata(fmt.Sprintf("%s %d out of range for %d tabs", name, index, total), nil).
			WithDetail(name, index)
	}
	return nil
}

// MetadataURL returns the URL to record in the metadata file. URLs that do
// not fit the string encoding are recorded as model.MigratedURL; the tab's
// state file still carries the real URL.
func (v *Validator) MetadataURL(url string) string {
	if len(url) > MaxMetadataURLSize || !utf8.ValidString(url) {
		return model.MigratedURL
	}
	return url
}
