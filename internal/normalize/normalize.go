// Package normalize turns loosely-shaped stored question records into
// strict model.Question values at the data-ingestion boundary.
//
// Malformed records never fail the whole set: missing pieces are replaced
// by placeholders and reported as Warnings, so one bad question cannot block
// an exam from loading.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-session/internal/model"
)

// ErrNoQuestions is returned when a question set is empty.
var ErrNoQuestions = errors.New("question set is empty")

// Warning is a data-integrity problem that was repaired with placeholder content.
type Warning struct {
	Position   int
	QuestionID string
	Field      string
	Reason     string
}

func (w Warning) Error() string {
	return fmt.Sprintf("question %d (%s): %s: %s", w.Position+1, w.QuestionID, w.Field, w.Reason)
}

var (
	textKeys       = []string{"text", "question_text", "questionText", "question", "title"}
	optionKeys     = []string{"options", "choices", "answers"}
	correctKeys    = []string{"correct_option_index", "correctOptionIndex", "correct_option", "correctOption", "correct_answer", "correctAnswer", "correct", "answer"}
	difficultyKeys = []string{"difficulty", "level"}
	marksKeys      = []string{"marks", "points", "score_value", "score"}
)

// Questions normalizes an ordered question set. The returned slice has the
// same order and length as raw.
func Questions(raw []model.RawQuestion) ([]model.Question, []Warning, error) {
	if len(raw) == 0 {
		return nil, nil, ErrNoQuestions
	}

	questions := make([]model.Question, 0, len(raw))
	var warnings []Warning
	seen := make(map[string]int, len(raw))

	for i, r := range raw {
		q, ws := Question(i, r)

		if n, dup := seen[q.ID]; dup {
			// A generated id may already belong to a real question.
			var newID string
			for {
				n++
				newID = fmt.Sprintf("%s-%d", q.ID, n)
				if _, taken := seen[newID]; !taken {
					break
				}
			}
			seen[q.ID] = n
			ws = append(ws, Warning{Position: i, QuestionID: q.ID, Field: "id", Reason: "duplicate id, renamed to " + newID})
			q.ID = newID
		}
		seen[q.ID] = 1

		questions = append(questions, q)
		warnings = append(warnings, ws...)
	}

	return questions, warnings, nil
}

// Question normalizes a single record found at position (zero-based).
func Question(position int, r model.RawQuestion) (model.Question, []Warning) {
	q := model.Question{
		ID:         strings.TrimSpace(r.ID),
		Difficulty: model.DifficultyMedium,
		Marks:      model.DefaultMarks,
	}
	var warnings []Warning
	warn := func(field, reason string) {
		warnings = append(warnings, Warning{Position: position, QuestionID: q.ID, Field: field, Reason: reason})
	}

	if q.ID == "" {
		q.ID = fmt.Sprintf("question-%d", position+1)
		warn("id", "missing id, generated placeholder")
	}

	fields := map[string]any{}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &fields); err != nil {
			warn("payload", "unreadable payload: "+err.Error())
			fields = map[string]any{}
		}
	} else {
		warn("payload", "empty payload")
	}

	q.Text = stringField(fields, textKeys)
	if q.Text == "" {
		q.Text = fmt.Sprintf("Question %d", position+1)
		warn("text", "missing text, using placeholder")
	}

	options, present := optionsField(fields)
	if !present {
		warn("options", "missing options, using placeholders")
	}
	for i, opt := range options {
		if opt == "" {
			options[i] = placeholderOption(i)
			if present {
				warn("options", fmt.Sprintf("option %d is empty, using placeholder", i))
			}
		}
	}
	original := len(options)
	options = fitOptions(options)
	q.Options = options

	correct, ok := correctField(fields, options)
	switch {
	case !ok:
		q.CorrectOptionIndex = 0
		warn("correct_option", "missing or unrecognized correct option, defaulting to 0")
	case correct >= len(options):
		q.CorrectOptionIndex = 0
		reason := "correct option out of range, defaulting to 0"
		if correct < original {
			reason = "correct option truncated away, defaulting to 0"
		}
		warn("correct_option", reason)
	default:
		q.CorrectOptionIndex = correct
	}

	if raw := stringField(fields, difficultyKeys); raw != "" {
		if d, ok := parseDifficulty(raw); ok {
			q.Difficulty = d
		} else {
			warn("difficulty", fmt.Sprintf("unknown difficulty %q, using MEDIUM", raw))
		}
	}

	if v, ok := lookup(fields, marksKeys); ok {
		if n, ok := toInt(v); ok && n > 0 {
			q.Marks = n
		} else {
			warn("marks", "marks must be a positive integer, using default")
		}
	}

	return q, warnings
}

// fitOptions pads with placeholders or truncates to model.OptionCount.
func fitOptions(options []string) []string {
	if len(options) > model.OptionCount {
		return options[:model.OptionCount]
	}
	for len(options) < model.OptionCount {
		options = append(options, placeholderOption(len(options)))
	}
	return options
}

func placeholderOption(i int) string {
	return "Option " + string(rune('A'+i))
}

func lookup(fields map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]any, keys []string) string {
	v, ok := lookup(fields, keys)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(v))
}

// optionsField accepts an array, an object (ordered by key), or a
// newline/pipe-delimited string. present is false when nothing usable exists.
func optionsField(fields map[string]any) (options []string, present bool) {
	v, ok := lookup(fields, optionKeys)
	if !ok {
		return nil, false
	}

	switch val := v.(type) {
	case []any:
		for _, item := range val {
			options = append(options, strings.TrimSpace(optionText(item)))
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			options = append(options, strings.TrimSpace(optionText(val[k])))
		}
	case string:
		sep := "\n"
		if !strings.Contains(val, sep) {
			sep = "|"
		}
		for _, part := range strings.Split(val, sep) {
			if p := strings.TrimSpace(part); p != "" {
				options = append(options, p)
			}
		}
	}

	return options, len(options) > 0
}

// optionText reads an option that may itself be an object like {"text": "..."}.
func optionText(v any) string {
	if obj, ok := v.(map[string]any); ok {
		for _, k := range []string{"text", "label", "value"} {
			if s, ok := obj[k]; ok {
				return toString(s)
			}
		}
		return ""
	}
	return toString(v)
}

// correctField accepts a numeric index, a numeric string, an option letter,
// or the literal text of one of the options.
func correctField(fields map[string]any, options []string) (int, bool) {
	v, ok := lookup(fields, correctKeys)
	if !ok {
		return 0, false
	}
	if n, ok := toInt(v); ok {
		return n, n >= 0
	}

	s, isString := v.(string)
	if !isString {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		c := strings.ToUpper(s)[0]
		if c >= 'A' && c <= 'Z' {
			return int(c - 'A'), true
		}
	}
	for i, opt := range options {
		if strings.EqualFold(opt, s) {
			return i, true
		}
	}
	return 0, false
}

func parseDifficulty(s string) (model.Difficulty, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EASY":
		return model.DifficultyEasy, true
	case "MEDIUM":
		return model.DifficultyMedium, true
	case "HARD":
		return model.DifficultyHard, true
	}
	return "", false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}
