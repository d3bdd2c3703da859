package model

import (
	"encoding/json"
)

// DefaultMarks is awarded for a correct answer when a question carries no marks.
const DefaultMarks = 4

// OptionCount is the number of options every normalized question exposes.
const OptionCount = 4

// Difficulty grades how hard a question is.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

// Question is a normalized multiple-choice question. It never changes
// during an attempt.
type Question struct {
	ID                 string     `json:"id"`
	Text               string     `json:"text"`
	Options            []string   `json:"options"`
	CorrectOptionIndex int        `json:"correct_option_index"`
	Difficulty         Difficulty `json:"difficulty"`
	Marks              int        `json:"marks"`
}

// EffectiveMarks returns the marks a correct answer is worth.
func (q Question) EffectiveMarks() int {
	if q.Marks <= 0 {
		return DefaultMarks
	}
	return q.Marks
}

// ForStudent strips the answer key before the question leaves the server.
func (q Question) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		ID:         q.ID,
		Text:       q.Text,
		Options:    q.Options,
		Difficulty: q.Difficulty,
		Marks:      q.EffectiveMarks(),
	}
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Options    []string   `json:"options"`
	Difficulty Difficulty `json:"difficulty"`
	Marks      int        `json:"marks"`
}

// RawQuestion is a stored question row before normalization. Payload may
// hold options as an array, an object, a delimited string, or nothing.
type RawQuestion struct {
	ID       string          `json:"id"`
	Position int             `json:"position"`
	Payload  json.RawMessage `json:"payload"`
}
