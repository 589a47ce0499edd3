package tabmodel

import (
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/util/looper"
	"go.uber.org/zap"
)

// SelectorOptions configures a Selector
type SelectorOptions struct {
	NormalMaxTabs    int
	IncognitoMaxTabs int
	Looper           *looper.Looper
	Logger           *zap.Logger
}

// Selector owns one normal and one incognito model and tracks which of
// them is current.
type Selector struct {
	normal    *TabModel
	incognito *TabModel
	loop      *looper.Looper
	logger    *zap.Logger

	incognitoSelected bool
}

// NewSelector creates a selector with two empty models, normal current
func NewSelector(opts SelectorOptions) *Selector {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Selector{loop: opts.Looper, logger: opts.Logger}
	s.normal = NewTabModel(false, Options{
		MaxTabs: opts.NormalMaxTabs,
		Looper:  opts.Looper,
		Logger:  opts.Logger,
	}, func() bool { return !s.incognitoSelected })
	s.incognito = NewTabModel(true, Options{
		MaxTabs: opts.IncognitoMaxTabs,
		Looper:  opts.Looper,
		Logger:  opts.Logger,
	}, func() bool { return s.incognitoSelected })

	s.incognito.AddObserver(func(ev Event) {
		switch ev.Type {
		case DidCloseTab, TabPendingClosure, TabRemoved:
			if s.incognitoSelected && s.incognito.Count() == 0 {
				s.SelectModel(false)
			}
		}
	})
	return s
}

// Model returns the normal or incognito model
func (s *Selector) Model(incognito bool) *TabModel {
	if incognito {
		return s.incognito
	}
	return s.normal
}

// CurrentModel returns the model being shown
func (s *Selector) CurrentModel() *TabModel {
	return s.Model(s.incognitoSelected)
}

// IsIncognitoSelected reports whether the incognito model is current
func (s *Selector) IsIncognitoSelected() bool {
	return s.incognitoSelected
}

// SelectModel makes one model current. Order and selection of both models
// are left untouched.
func (s *Selector) SelectModel(incognito bool) {
	if s.loop != nil {
		s.loop.Check("SelectModel")
	}
	if s.incognitoSelected == incognito {
		return
	}
	s.incognitoSelected = incognito
	s.logger.Debug("Current model changed", zap.Bool("incognito", incognito))
}

// CurrentTab returns the selected tab of the current model
func (s *Selector) CurrentTab() *model.Tab {
	return s.CurrentModel().CurrentTab()
}

// TabByID finds an open tab in either model
func (s *Selector) TabByID(id int) *model.Tab {
	if tab := s.normal.TabByID(id); tab != nil {
		return tab
	}
	return s.incognito.TabByID(id)
}

// ModelForTabID returns the model holding id, pending closures included
func (s *Selector) ModelForTabID(id int) *TabModel {
	switch {
	case s.normal.ContainsID(id):
		return s.normal
	case s.incognito.ContainsID(id):
		return s.incognito
	default:
		return nil
	}
}

// TotalTabCount counts open tabs of both models
func (s *Selector) TotalTabCount() int {
	return s.normal.Count() + s.incognito.Count()
}

// CloseAllTabs closes every tab of both models without undo
func (s *Selector) CloseAllTabs() {
	s.incognito.CloseAllTabs()
	s.normal.CloseAllTabs()
}

// AddObserver registers fn on both models
func (s *Selector) AddObserver(fn Observer) (remove func()) {
	removeNormal := s.normal.AddObserver(fn)
	removeIncognito := s.incognito.AddObserver(fn)
	return func() {
		removeNormal()
		removeIncognito()
	}
}
