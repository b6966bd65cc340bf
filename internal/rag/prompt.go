package rag

import "strings"

// DefaultOrganization is named in the prompt when none is configured.
const DefaultOrganization = "Califonix Tech and Manufacturing Ltd."

// BuildContext joins retrieved texts in rank order, each followed by a blank line.
func BuildContext(texts []string) string {
	var b strings.Builder
	for _, t := range texts {
		b.WriteString(t)
		b.WriteString("\n\n")
	}
	return b.String()
}

// BuildPrompt interpolates the context block and question into the instruction template.
func BuildPrompt(organization, context, query string) string {
	if organization == "" {
		organization = DefaultOrganization
	}

	var b strings.Builder
	b.WriteString("You are an AI assistant working for ")
	b.WriteString(organization)
	b.WriteString(".\nYour job is to answer questions based on internal company Excel reports.\n\n")
	b.WriteString("Context from internal data:\n")
	b.WriteString(context)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\nAnswer:")
	return b.String()
}
