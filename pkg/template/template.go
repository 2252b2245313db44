// Package template renders message content against a profile's fields and
// property bag using Go text/template syntax.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
)

// RenderWithProfile renders a template string with the profile exposed as
// top-level fields plus the property bag under .properties and the
// enrollment's trigger context under .trigger.
func RenderWithProfile(input string, profile *models.Profile, triggerContext map[string]any) (string, error) {
	data := map[string]any{
		"profile": map[string]any{
			"id":         profile.ID,
			"email":      profile.Email,
			"phone":      profile.Phone,
			"first_name": profile.FirstName,
			"last_name":  profile.LastName,
		},
		"properties": profile.Properties,
		"trigger":    triggerContext,
	}

	return Render(input, data)
}

func Render(templateStr string, data any) (string, error) {
	if !strings.Contains(templateStr, "{{") {
		return templateStr, nil
	}

	tmpl, err := template.
		New("message").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
			"title": func(s string) string {
				if s == "" {
					return s
				}

				return strings.ToUpper(s[:1]) + s[1:]
			},
			"default": func(fallback string, value any) string {
				s := fmt.Sprintf("%v", value)
				if s == "" || s == "<nil>" || s == "<no value>" {
					return fallback
				}

				return s
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	// missingkey=zero renders absent map keys as "<no value>", which is
	// worse than an empty string in a customer-facing message.
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
