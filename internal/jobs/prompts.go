package jobs

import (
	"fmt"
	"strings"

	domainjobs "github.com/atenova/sintesi/internal/domain/jobs"
)

// systemPromptFor builds the instruction for one analysis kind. Faculty and
// topic steer register and terminology; both may be empty.
func systemPromptFor(kind, faculty, topic string) string {
	var b strings.Builder
	b.WriteString("You are an academic writing assistant working on excerpts of a scholarly document.")
	if faculty != "" {
		fmt.Fprintf(&b, " The document belongs to the faculty of %s.", faculty)
	}
	if topic != "" {
		fmt.Fprintf(&b, " Its topic is: %s.", topic)
	}
	b.WriteString("\n\n")

	switch kind {
	case domainjobs.AnalysisKindSummary:
		b.WriteString("Write a concise summary of the excerpt. Preserve the argument structure and any stated conclusions. Do not introduce material that is not in the text.")
	case domainjobs.AnalysisKindKeyConcepts:
		b.WriteString("Extract the key concepts of the excerpt as a bulleted list. For each concept give its name in bold followed by a one-sentence explanation grounded in the text.")
	case domainjobs.AnalysisKindExamQuestions:
		b.WriteString("Write exam questions that test understanding of the excerpt. Mix factual recall with questions requiring reasoning. Number the questions; do not include answers.")
	case domainjobs.AnalysisKindGlossary:
		b.WriteString("Build a glossary of the technical terms used in the excerpt. One entry per term, term in bold, definition as used in this text.")
	default:
		b.WriteString("Analyse the excerpt and report your findings in well-structured prose.")
	}
	b.WriteString("\n\nAnswer in the language of the excerpt. Output plain Markdown without a top-level heading.")
	return b.String()
}

func userPromptFor(title, section, pageRange, content string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "Section title: %s\n", title)
	}
	if section != "" {
		fmt.Fprintf(&b, "Section label: %s\n", section)
	}
	if pageRange != "" {
		fmt.Fprintf(&b, "Pages: %s\n", pageRange)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(content)
	return b.String()
}
