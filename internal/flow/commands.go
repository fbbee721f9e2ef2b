package flow

import (
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// Command is a control word a participant can send instead of an answer.
type Command int

const (
	CommandNone Command = iota
	CommandStart
	CommandCancel
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandCancel:
		return "cancel"
	default:
		return "none"
	}
}

var commandWords = map[string]Command{
	"start":   CommandStart,
	"/start":  CommandStart,
	"はじめる":    CommandStart,
	"cancel":  CommandCancel,
	"/cancel": CommandCancel,
	"skip":    CommandCancel,
	"/skip":   CommandCancel,
	"やめる":     CommandCancel,
}

// normalize folds full-width characters to their narrow forms so "１" and "／ｓｔａｒｔ" are recognized.
func normalize(text string) string {
	return strings.TrimSpace(width.Fold.String(text))
}

// ParseCommand recognizes start and cancel words, ignoring case and surrounding whitespace.
func ParseCommand(text string) Command {
	return commandWords[strings.ToLower(normalize(text))]
}

// ResolveAnswer maps a reply consisting only of an option number to that option's text.
// Anything else is returned trimmed.
func ResolveAnswer(text string, options []string) string {
	trimmed := strings.TrimSpace(text)
	n, err := strconv.Atoi(normalize(trimmed))
	if err != nil || n < 1 || n > len(options) {
		return trimmed
	}
	return options[n-1]
}
