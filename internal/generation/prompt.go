package generation

import "strings"

// BuildPrompt wraps step instructions in the output contract sent on every
// attempt. The continuation block tells the model that earlier steps have
// already produced code.
func BuildPrompt(instructions string) string {
	parts := []string{
		"You are a senior AI coding assistant. Your task is to generate code based on the provided step details.",
		"Implement ONLY the step described in STEP DETAILS as code. Do not summarize or explain.",
		"Return exactly ONE valid minified JSON object on a single line: no prose before or after it, no markdown, no code fences, no comments, no trailing commas.",
		`Schema: {"files":[{"folder":"path/to/folder","file":"filename.ext","code":"<file contents>"}],"instructions":["Instruction 1","Instruction 2"]}`,
		"Multi-file policy: generate every folder and file required by STEP DETAILS in this single response. Every file must be fully implemented, never skipped or stubbed. Paths must be coherent and consistent across the project.",
		"Emit complete, compilable file contents. Never emit diffs or partial snippets.",
		"",
		"STEP DETAILS:",
		strings.TrimSpace(instructions),
		"",
		"CONTINUATION RULES:",
		"Code for all previous steps has already been generated.",
		"Only write the code that comes after the point where the existing code ends.",
		"Emit only brand-new folders/files, and full-file replacements only where STEP DETAILS requires a change.",
		"Do not re-emit files from previous steps verbatim.",
		"When updating a file, output the entire updated file with all imports and types. Keep APIs stable unless STEP DETAILS requires a change, then update every impacted call site.",
		"Return ONLY valid minified JSON as per the Schema.",
	}
	return strings.Join(parts, "\n")
}
