// Package scoring grades an attempt's answers against a question set.
package scoring

import (
	"math"

	"github.com/stemsi/exstem-session/internal/model"
)

// gradeBands are inclusive lower bounds, highest first.
var gradeBands = []struct {
	min   int
	grade model.Grade
}{
	{90, model.GradeAPlus},
	{80, model.GradeA},
	{70, model.GradeB},
	{60, model.GradeC},
	{50, model.GradeD},
}

// Score awards each question its marks when, and only when, the recorded
// answer equals its correct option. Unanswered questions never score and
// there is no negative marking.
func Score(questions []model.Question, answers map[string]int) model.Result {
	res := model.Result{QuestionCount: len(questions)}

	for _, q := range questions {
		marks := q.EffectiveMarks()
		res.TotalMarks += marks

		selected, ok := answers[q.ID]
		if !ok {
			continue
		}
		res.Answered++
		if selected == q.CorrectOptionIndex {
			res.Correct++
			res.Score += marks
		}
	}

	res.Percentage = Percentage(res.Score, res.TotalMarks)
	res.Grade = GradeFor(res.Percentage)
	return res
}

// Percentage rounds score/total to the nearest whole percent; 0 when total is 0.
func Percentage(score, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(score) / float64(total) * 100))
}

// GradeFor maps a percentage onto a letter grade.
func GradeFor(percentage int) model.Grade {
	for _, b := range gradeBands {
		if percentage >= b.min {
			return b.grade
		}
	}
	return model.GradeF
}
