package provider

import (
	_ "embed"
	"strings"
)

// DocumentSystemInstruction is used whenever a document is attached.
const DocumentSystemInstruction = "You are a helpful assistant that answers questions based on a provided PDF document."

//go:embed persona.json
var tutorPersona string

// TutorPersona returns the built-in computer-networks tutor persona used as
// the system instruction for free chat.
func TutorPersona() string {
	return strings.TrimRight(tutorPersona, "\n")
}

// BuildPrompt folds the optional document text into the single user prompt.
// Without a document the question is sent unchanged.
func BuildPrompt(question, document string) string {
	if document == "" {
		return question
	}
	var b strings.Builder
	b.WriteString("Based on the content of the following document, please answer the user's question. ")
	b.WriteString("If the document doesn't contain the answer, say that you cannot find the answer in the document.\n\n")
	b.WriteString("--- DOCUMENT CONTENT START ---\n")
	b.WriteString(document)
	b.WriteString("\n--- DOCUMENT CONTENT END ---\n\n")
	b.WriteString("USER QUESTION:\n")
	b.WriteString(question)
	b.WriteString("\n")
	return b.String()
}

// SystemInstruction picks the instruction for a request. persona replaces the
// built-in tutor persona when non-empty; document mode always uses
// DocumentSystemInstruction.
func SystemInstruction(hasDocument bool, persona string) string {
	if hasDocument {
		return DocumentSystemInstruction
	}
	if strings.TrimSpace(persona) != "" {
		return persona
	}
	return TutorPersona()
}
