package app

import (
	"github.com/pkgforge/soar-dl/internal/domain"
)

// Selector reduces a filtered candidate list to the concrete set to
// download. It never performs I/O itself; interaction is delegated to the
// prompt capability.
type Selector struct {
	autoAccept bool
	prompter   domain.Prompter
}

// NewSelector builds a selector. prompter may be nil when no interactive
// capability is wired (non-terminal runs).
func NewSelector(autoAccept bool, prompter domain.Prompter) *Selector {
	return &Selector{autoAccept: autoAccept, prompter: prompter}
}

// Select returns the chosen assets in input order.
func (s *Selector) Select(assets []domain.Asset) ([]domain.Asset, error) {
	switch {
	case len(assets) == 0:
		return nil, domain.ErrNoAssetsAfterFilter
	case len(assets) == 1:
		return assets, nil
	case s.autoAccept:
		return assets, nil
	case s.prompter == nil:
		return nil, &domain.PlanError{Reason: "multiple assets match; pass --yes or narrow the filters"}
	}

	index, all, err := s.prompter.ChooseAsset(assets)
	if err != nil {
		return nil, err
	}
	if all {
		return assets, nil
	}
	return assets[index : index+1], nil
}
