package model

// Grade is a letter grade derived from a percentage.
type Grade string

const (
	GradeAPlus Grade = "A+"
	GradeA     Grade = "A"
	GradeB     Grade = "B"
	GradeC     Grade = "C"
	GradeD     Grade = "D"
	GradeF     Grade = "F"
)

// Result is the outcome of scoring one attempt.
type Result struct {
	Score         int   `json:"score"`
	TotalMarks    int   `json:"total_marks"`
	Percentage    int   `json:"percentage"`
	Grade         Grade `json:"grade"`
	Correct       int   `json:"correct"`
	Answered      int   `json:"answered"`
	QuestionCount int   `json:"question_count"`
}

// QuestionReview is one line of the results view.
type QuestionReview struct {
	QuestionForStudent
	Selected           *int `json:"selected"`
	CorrectOptionIndex int  `json:"correct_option_index"`
	Correct            bool `json:"correct"`
}

// ResultView is everything a results screen needs for a completed attempt.
type ResultView struct {
	Attempt   *ExamAttempt     `json:"attempt"`
	Result    Result           `json:"result"`
	Questions []QuestionReview `json:"questions"`
}
