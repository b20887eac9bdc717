package models

import "github.com/google/uuid"

// Question is a trivia prompt with its single correct answer.
type Question struct {
	ID       uuid.UUID `json:"id"`
	Prompt   string    `json:"prompt"`
	Answer   string    `json:"answer"`
	Category string    `json:"category,omitempty"`
}
