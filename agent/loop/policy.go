package loop

import (
	"fmt"
	"strings"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

// RunStats is what the deterministic completion policy sees: counts of
// verifiable outcomes accumulated during the run.
type RunStats struct {
	SuccessfulCalls int
	ResearchResults int
	MessagesSent    int
	KeyFacts        int
}

var (
	callKeywords     = []string{"call", "phone", "contact"}
	researchKeywords = []string{"research", "find", "search", "information"}
	messageKeywords  = []string{"message", "whatsapp", "text"}
)

// FallbackJudgment is the keyword tier of the completion policy, used
// when the model judge is unavailable or returns garbage. It detects
// requirement families from the task text and checks each against the
// run's verifiable outcomes. A task with no detected requirements is
// never auto-completed.
func FallbackJudgment(task string, stats RunStats) contractx.Judgment {
	lower := strings.ToLower(task)

	var indicators, missing []string
	detected := 0

	if containsAny(lower, callKeywords) {
		detected++
		if stats.SuccessfulCalls > 0 {
			indicators = append(indicators, "Phone call executed successfully")
		} else {
			missing = append(missing, "Successful phone call execution")
		}
	}
	if containsAny(lower, researchKeywords) {
		detected++
		if stats.ResearchResults > 0 {
			indicators = append(indicators, "Research information gathered")
		} else {
			missing = append(missing, "Research data needs to be collected")
		}
	}
	if containsAny(lower, messageKeywords) {
		detected++
		if stats.MessagesSent > 0 {
			indicators = append(indicators, "Message dispatched successfully")
		} else {
			missing = append(missing, "Message needs to be sent")
		}
	}
	if stats.KeyFacts > 0 {
		indicators = append(indicators, "Key facts documented")
	}

	if detected == 0 {
		return contractx.Judgment{
			Complete:      false,
			StatusMessage: "No verifiable requirements detected in task",
			Indicators:    indicators,
		}
	}

	complete := len(missing) == 0 && len(indicators) > 0
	score := float64(len(indicators)) / float64(max(1, len(indicators)+len(missing)))

	status := fmt.Sprintf("Task in progress. Missing: %s", strings.Join(missing, ", "))
	if complete {
		status = fmt.Sprintf("Task completed. Achieved: %s", strings.Join(indicators, ", "))
	}

	return contractx.Judgment{
		Complete:            complete,
		Score:               score,
		StatusMessage:       status,
		MissingRequirements: missing,
		Indicators:          indicators,
	}
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
