package tokenizer

import "unicode/utf8"

// Estimator 按 4 字符 ≈ 1 token 估算，向上取整
type Estimator struct{}

// NewEstimator creates a character-count estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) CountTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

func (e *Estimator) Name() string {
	return "estimator"
}
