package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// SystemPrompt is sent ahead of every request by chat-style providers.
const SystemPrompt = "You write concise, factual sections of a candidate CV in Markdown. " +
	"Use only the facts provided. Output the section body only, without commentary."

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
}).Parse(`{{if eq .Operation "generate-section"}}Write the "{{or .Title .Identifier}}" section of the CV.{{else}}Complete the task "{{.Identifier}}".{{end}}

Candidate:
{{json .Subject}}
{{- if .Target}}

Target role:
{{json .Target}}
{{- end}}
{{- if .Entry}}

Focus on this experience entry:
{{json .Entry}}
{{- end}}
`))

// BuildPrompt renders the user prompt for req.
func BuildPrompt(req Request) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
