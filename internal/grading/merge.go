package grading

import "github.com/pavelanni/papercheck/internal/model"

// MergeReport is the outcome of joining student and official records.
type MergeReport struct {
	Records []model.ComparisonRecord
	// Dropped lists official question numbers with no student counterpart,
	// in official order.
	Dropped []string
}

// Merge joins student and official records by question number. The official
// set defines the questions and their order; a question the student side
// does not mention is left out.
func Merge(student, official []model.QuestionRecord) []model.ComparisonRecord {
	return MergeWithReport(student, official).Records
}

// MergeWithReport is Merge that also reports which official questions were
// dropped for lack of a student record.
func MergeWithReport(student, official []model.QuestionRecord) MergeReport {
	byNumber := make(map[string]model.QuestionRecord, len(student))
	for _, s := range student {
		byNumber[s.QuestionNumber] = s
	}

	// Later duplicates win but keep the position of the first occurrence.
	var order []string
	officialByNumber := make(map[string]model.QuestionRecord, len(official))
	for _, o := range official {
		if _, seen := officialByNumber[o.QuestionNumber]; !seen {
			order = append(order, o.QuestionNumber)
		}
		officialByNumber[o.QuestionNumber] = o
	}

	var rep MergeReport
	for _, qn := range order {
		o := officialByNumber[qn]
		s, ok := byNumber[qn]
		if !ok {
			rep.Dropped = append(rep.Dropped, qn)
			continue
		}

		text := o.QuestionText
		if text == "" {
			text = s.QuestionText
		}
		status := s.Status
		if status == "" {
			status = model.StatusNotAnswered
		}
		rep.Records = append(rep.Records, model.ComparisonRecord{
			QuestionNumber: qn,
			QuestionText:   text,
			OfficialAnswer: o.OfficialAnswerText,
			StudentAnswer:  s.AnswerText,
			Status:         status,
		})
	}
	return rep
}
