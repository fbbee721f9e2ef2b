package models

import (
	"fmt"
	"strings"
)

// MaxEmotionOptions caps the preset reactions a scenario may carry.
const MaxEmotionOptions = 4

// Scenario is a short everyday situation used to prompt reflection.
type Scenario struct {
	ID             string   `json:"id" yaml:"id"`
	Text           string   `json:"text" yaml:"text"`
	Category       string   `json:"category,omitempty" yaml:"category"`
	Active         bool     `json:"active" yaml:"active"`
	EmotionOptions []string `json:"emotion_options,omitempty" yaml:"emotion_options"`
}

// Validate checks that the scenario can be stored and served.
func (s Scenario) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrEmptyScenarioID
	}
	if strings.TrimSpace(s.Text) == "" {
		return ErrEmptyScenarioText
	}
	if len(s.EmotionOptions) > MaxEmotionOptions {
		return fmt.Errorf("%w: %d > %d", ErrTooManyEmotionOptions, len(s.EmotionOptions), MaxEmotionOptions)
	}
	return nil
}

// Clone returns a copy of s with its own option slice.
func (s Scenario) Clone() Scenario {
	out := s
	out.EmotionOptions = append([]string(nil), s.EmotionOptions...)
	return out
}
