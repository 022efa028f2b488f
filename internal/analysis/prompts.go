package analysis

import "fmt"

const (
	systemPrompt = "You are Grok, a helpful AI assistant."

	descriptionPrompt = "Provide a detailed description of this screenshot, focusing on any visible text, code, or UI elements."
	questionPrompt    = "Answer the following question about this screenshot: %s"

	ocrContextPrompt = "\n\nExtracted text from the image:\n%s"
)

// Prompt is one user instruction sent alongside the image.
type Prompt struct {
	// Heading labels the reply when several prompts are combined.
	Heading string
	Text    string
}

// BuildPrompts returns the instructions for in.Mode. ModeBoth produces a
// description prompt followed by a question prompt. Extracted text, when
// present, is appended to each as context.
func BuildPrompts(in Input) []Prompt {
	var out []Prompt
	if in.Mode == ModeDescription || in.Mode == ModeBoth || in.Mode == "" {
		out = append(out, Prompt{Heading: "Description", Text: descriptionPrompt})
	}
	if in.Mode.NeedsQuestion() {
		out = append(out, Prompt{Heading: "Answer", Text: fmt.Sprintf(questionPrompt, in.Question)})
	}
	if in.OCRText != "" {
		for i := range out {
			out[i].Text += fmt.Sprintf(ocrContextPrompt, in.OCRText)
		}
	}
	return out
}

// combine joins replies under their headings. A single reply is returned as is.
func combine(prompts []Prompt, replies []string) string {
	if len(replies) == 1 {
		return replies[0]
	}
	var s string
	for i, r := range replies {
		if i > 0 {
			s += "\n\n"
		}
		s += "## " + prompts[i].Heading + "\n\n" + r
	}
	return s
}
