package shared

const (
	UserID = "user_id"

	RoleUser  = "user"
	RoleAdmin = "admin"

	StageReading          = "reading"
	StageListening        = "listening"
	StageJumbledSentences = "jumbled_sentences"
	StageStorySummary     = "story_summary"
	StagePersonalQuestion = "personal_question"
	StageComprehension    = "comprehension"
	StageFillBlanks       = "fill_blanks"

	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"

	SubmitReasonUser       = "user_submit"
	SubmitReasonTimer      = "timer_expired"
	SubmitReasonUnload     = "client_unload"
	SubmitReasonReconciler = "deadline_reconciled"

	GradingExact     = "exact"
	GradingEvaluated = "evaluated"
)

// StageOrder is the fixed progression through the seven sub-assessments.
var StageOrder = []string{
	StageReading,
	StageListening,
	StageJumbledSentences,
	StageStorySummary,
	StagePersonalQuestion,
	StageComprehension,
	StageFillBlanks,
}

// StageCount is the divisor for the overall score regardless of how many
// stages were actually completed.
const StageCount = 7

func IsValidStage(stage string) bool {
	for _, s := range StageOrder {
		if s == stage {
			return true
		}
	}
	return false
}
