package dispatcher

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const (
	// DefaultSelectorCap bounds the elements returned by findElements.
	DefaultSelectorCap = 50
	// DefaultPayloadCap bounds the characters returned by getHTML and getText.
	DefaultPayloadCap = 100000
	// DefaultTextItemCap bounds the entries returned by getAllText.
	DefaultTextItemCap = 100

	defaultScrollAmount = 500
	defaultWaitMillis   = 1000
)

type navigateParams struct {
	URL string `json:"url"`
}

type clickParams struct {
	Selector string `json:"selector"`
	Index    int    `json:"index"`
}

type typeParams struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

type scrollParams struct {
	Direction string `json:"direction"`
	Amount    *int   `json:"amount"`
}

type waitParams struct {
	Duration *int `json:"duration"`
}

type selectorParams struct {
	Selector string `json:"selector"`
}

type evaluateParams struct {
	Script string `json:"script"`
	Code   string `json:"code"`
}

type findParams struct {
	Selector string `json:"selector"`
	Limit    int    `json:"limit"`
}

// decodeParams copies the loosely typed params map into dst.
func decodeParams(commandType string, params map[string]any, dst any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("invalid params for %s: %w", commandType, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params for %s: %w", commandType, err)
	}
	return nil
}

// capText truncates s to at most limit runes. It returns the truncated text,
// the original length in runes and whether anything was cut.
func capText(s string, limit int) (string, int, bool) {
	n := utf8.RuneCountInString(s)
	if limit <= 0 || n <= limit {
		return s, n, false
	}
	runes := []rune(s)
	return string(runes[:limit]), n, true
}

// clampLimit returns requested when it is within (0, cap], cap otherwise.
func clampLimit(requested, limit int) int {
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}
