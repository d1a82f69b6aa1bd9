package sdruntime

import (
	"fmt"
	"strings"
)

// ValidatePrompt rejects prompts the engines cannot accept: the empty
// string and strings with NUL bytes. Length is not limited; the text
// encoder truncates long prompts.
func ValidatePrompt(prompt string) error {
	if prompt == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}

	// NUL cannot cross into C strings
	if strings.ContainsRune(prompt, '\x00') {
		return fmt.Errorf("%w: prompt contains null bytes", ErrInvalidPrompt)
	}
	return nil
}
