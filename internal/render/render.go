package render

import (
	"regexp"
	"strings"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
)

var placeholder = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// Substitute replaces every {{key}} whose key is in vars. Unknown
// placeholders are kept verbatim. Passes repeat until the output is stable,
// so a placeholder assembled from surrounding braces is resolved as well.
// With brace-free values (see LeadVars) every changing pass drops at least
// two '{', which bounds the loop and makes Substitute idempotent.
func Substitute(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	out := tmpl
	for pass := strings.Count(tmpl, "{")/2 + 1; pass > 0 && strings.Contains(out, "{{"); pass-- {
		next := placeholder.ReplaceAllStringFunc(out, func(m string) string {
			key := m[2 : len(m)-2]
			if v, ok := vars[key]; ok {
				return v
			}
			return m
		})
		if next == out {
			break
		}
		out = next
	}
	return out
}

// LeadVars builds the substitution variables for a lead. Values are stripped
// of placeholder braces so rendered output is stable under re-rendering.
func LeadVars(l campaign.Lead, firstNameFallback string) map[string]string {
	full := strings.TrimSpace(l.InvestorName)
	first := firstNameFallback
	if fields := strings.Fields(full); len(fields) > 0 {
		first = fields[0]
	}
	return map[string]string{
		"firstName": clean(first),
		"fullName":  clean(full),
		"address":   clean(l.PropertyAddress),
		"dealType":  clean(l.DealType),
		"email":     clean(l.InvestorEmail),
	}
}

var braces = strings.NewReplacer("{{", "", "}}", "")

func clean(s string) string { return braces.Replace(s) }

type Rendered struct {
	Subject string
	Body    string
}

func Step(s campaign.Step, vars map[string]string) Rendered {
	return Rendered{
		Subject: Substitute(s.Subject, vars),
		Body:    Substitute(s.Body, vars),
	}
}
