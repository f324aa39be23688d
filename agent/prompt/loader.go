package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/system.txt
	systemRaw string

	//go:embed template/judge.txt
	judgeRaw string

	//go:embed template/plan.txt
	planRaw string

	//go:embed template/callscript.txt
	callScriptRaw string

	//go:embed template/callvoice.txt
	callVoiceRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	System     string
	Judge      string
	Plan       string
	CallScript string
	CallVoice  string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// This is safe to call concurrently; the embed is compile-time, and trimming is cheap.
func LoadPromptSet() PromptSet {
	return PromptSet{
		System:     strings.TrimSpace(systemRaw),
		Judge:      strings.TrimSpace(judgeRaw),
		Plan:       strings.TrimSpace(planRaw),
		CallScript: strings.TrimSpace(callScriptRaw),
		CallVoice:  strings.TrimSpace(callVoiceRaw),
	}
}

// RenderSystem fills the tool listing into the agent system prompt.
func RenderSystem(set PromptSet, toolLines []string) string {
	return strings.ReplaceAll(set.System, "{{TOOLS}}", strings.Join(toolLines, "\n"))
}

// RenderCallVoice fills the per-call task section and context block into
// the outbound-call voice prompt.
func RenderCallVoice(set PromptSet, taskSection, contextInfo string) string {
	if strings.TrimSpace(contextInfo) == "" {
		contextInfo = "No additional context available"
	}
	out := strings.ReplaceAll(set.CallVoice, "{{TASK}}", taskSection)
	return strings.ReplaceAll(out, "{{CONTEXT}}", contextInfo)
}
