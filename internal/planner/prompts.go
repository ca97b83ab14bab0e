package planner

import "strings"

func planPrompt(request string) string {
	return strings.Join([]string{
		"You are a senior AI prompt engineer. " +
			"Rewrite the following user request into a rigorous, step-by-step software development execution plan that instructs a coding model to produce CODE ONLY. " +
			"No explanations, no markdown, no commentary, and absolutely no text outside JSON. " +
			"Output ONLY valid JSON in the exact format below (no extra text, no code fences): " +
			`{"improved_prompt": "Detailed rewritten prompt focused only on writing code", ` +
			`"steps": [{"step_number": 1, "title": "Short title", "details": "Full technical step description", "deliverables": "Expected code deliverables"}]}`,
		"Strict requirements:",
		"- Language: English only.",
		"- Choose the number of steps based on project complexity. If feasible in one pass, use ONE step that generates MULTIPLE folders and files with their full code. If the project is larger, split it into multiple steps; every step may generate MULTIPLE folders and files with complete code.",
		"- Fill missing requirements with sensible, industry-standard assumptions and state them succinctly in 'details'.",
		"- JSON must be a single object with exactly the keys shown; 'step_number' starts at 1 and increments by 1; no trailing commas; no extra keys; no null or empty values.",
		"- If the request is ambiguous, make pragmatic choices and proceed. Do not ask questions.",
		"- For step_number > 1, state in 'details' that all code from previous steps is already generated and must not be re-emitted, and summarize what previous steps completed before describing the new work.",
		"- Each subsequent step builds only on what remains pending, continuing seamlessly from the last generated code.",
		"User request: " + strings.TrimSpace(request),
	}, "\n")
}

func intentPrompt(request string) string {
	return "You are a specialized AI intent classifier. " +
		"Determine if the given user request is related to software/code generation. " +
		"Return ONLY valid JSON in the following format: " +
		`{"is_code_related": true/false, "reason": "Short explanation"}` +
		"\nUser request: " + strings.TrimSpace(request)
}
