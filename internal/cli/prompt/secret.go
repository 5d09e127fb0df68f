package prompt

import (
	"github.com/manifoldco/promptui"
)

// Secret prompts for a masked value. The input never echoes, so key
// material entered here stays out of terminal scrollback and shell
// history.
func Secret(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}

	result, err := prompt.Run()
	return result, wrapError(err)
}

// SecretWithValidation prompts for a masked value validated by fn on
// every keystroke.
func SecretWithValidation(label string, validate func(string) error) (string, error) {
	prompt := promptui.Prompt{
		Label:    label,
		Mask:     '*',
		Validate: validate,
	}

	result, err := prompt.Run()
	return result, wrapError(err)
}
