package codeassist

import "strings"

// Deterministic texts served when no generation provider is configured or a
// provider call fails. Each template names the requested language so degraded
// output stays attributable to the request.

func fallbackCompletion(code, language string) string {
	return "# AI model not available - completion for " + language + " code\n" +
		"# Original: " + truncate(code, 50) + "..."
}

func fallbackExplanation(code, language, detailLevel, focus string) string {
	var b strings.Builder
	b.WriteString("# Code Explanation (" + detailLevel + ")\n\n")
	b.WriteString("This " + language + " code:\n```" + language + "\n" + code + "\n```\n\n")
	b.WriteString("AI model not available for detailed explanation.")
	if focus != "" {
		b.WriteString("\n\nRegarding your question: Focus on " + focus + "\n")
		b.WriteString("AI model not available to answer specific questions.")
	}
	return b.String()
}

func fallbackDebug(a debugArgs) string {
	var b strings.Builder
	b.WriteString("# Debug Analysis for " + a.Language + "\n\n")
	b.WriteString("**Code:**\n```" + a.Language + "\n" + a.Code + "\n```\n\n")
	if a.ErrorMessage != "" {
		b.WriteString("**Error:** " + a.ErrorMessage + "\n\n")
	}
	if a.ExpectedBehavior != "" {
		b.WriteString("**Expected:** " + a.ExpectedBehavior + "\n\n")
	}
	if a.ActualBehavior != "" {
		b.WriteString("**Actual:** " + a.ActualBehavior + "\n\n")
	}
	b.WriteString("AI model not available for detailed debugging analysis.")
	return b.String()
}

// truncate returns at most n leading runes of s.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
