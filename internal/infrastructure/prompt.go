package infrastructure

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/dustin/go-humanize"

	"github.com/pkgforge/soar-dl/internal/domain"
)

const chooseAll = "all of the above"

// SurveyPrompter implements domain.Prompter on the terminal.
type SurveyPrompter struct{}

// NewSurveyPrompter builds the interactive prompt capability.
func NewSurveyPrompter() *SurveyPrompter { return &SurveyPrompter{} }

// ChooseAsset presents the filtered candidates and returns the chosen
// index, or all=true when every candidate should be downloaded.
func (p *SurveyPrompter) ChooseAsset(assets []domain.Asset) (int, bool, error) {
	options := make([]string, 0, len(assets)+1)
	for _, asset := range assets {
		label := asset.Name
		if asset.Size != domain.SizeUnknown && asset.Size >= 0 {
			label = fmt.Sprintf("%s (%s)", asset.Name, humanize.Bytes(uint64(asset.Size)))
		}
		options = append(options, label)
	}
	options = append(options, chooseAll)

	var index int
	prompt := &survey.Select{
		Message:  "Select an asset to download:",
		Options:  options,
		PageSize: 15,
	}
	if err := survey.AskOne(prompt, &index); err != nil {
		return 0, false, fmt.Errorf("selection aborted: %w", err)
	}
	if index == len(assets) {
		return 0, true, nil
	}
	return index, false, nil
}

// ConfirmOverwrite asks whether an existing file may be replaced.
func (p *SurveyPrompter) ConfirmOverwrite(path string) (bool, error) {
	var ok bool
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("%s already exists. Overwrite?", path),
	}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return false, fmt.Errorf("prompt aborted: %w", err)
	}
	return ok, nil
}
