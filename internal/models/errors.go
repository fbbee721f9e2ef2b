package models

import "errors"

// Error variables for validation failures shared across modules.
var (
	ErrInvalidPhase          = errors.New("invalid phase")
	ErrInvalidSlot           = errors.New("invalid participant slot")
	ErrEmptyConversationID   = errors.New("conversation id cannot be empty")
	ErrEmptyExternalID       = errors.New("participant external id cannot be empty")
	ErrEmptyScenarioID       = errors.New("scenario id cannot be empty")
	ErrEmptyScenarioText     = errors.New("scenario text cannot be empty")
	ErrTooManyEmotionOptions = errors.New("too many emotion options")
	ErrSlotsFull             = errors.New("both participant slots are filled")
	ErrAlreadyRegistered     = errors.New("participant already registered")
)
