// Template rendering for campaign personalization, built on the Liquid
// template language. Rendering is total: unresolved placeholders come
// out as a visible [identifier] marker, never raw and never as an error.
package campaign

import (
	"fmt"
	"html"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// placeholderPattern matches {{ identifier }} placeholders, whitespace
// tolerant, including the filtered form {{ identifier | filter }}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)(?:\s*\||\s*\}\})`)

// simplePlaceholderPattern matches only plain {{ identifier }} forms,
// used by the non-Liquid fallback pass.
var simplePlaceholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// defaultedPattern matches placeholders whose filter chain carries a
// default:, which already supplies a fallback for a missing value.
var defaultedPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\|[^}]*\bdefault\s*:`)

// TemplateService renders campaign content with Liquid, caching parsed
// templates across recipients of one dispatch run.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a template service with custom filters
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerCustomFilters()
	return ts
}

func (ts *TemplateService) registerCustomFilters() {
	// Fallback value: {{ first_name | default: "Friend" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// URL encode: {{ email | urlencode }}
	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape: {{ user_input | escape }}
	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// MergeVariables flattens variable layers, lowest to highest precedence
func MergeVariables(layers ...map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// ContactVariables computes the per-recipient variable layer: built-in
// identity fields plus custom profile fields.
func ContactVariables(c *Contact) map[string]interface{} {
	vars := make(map[string]interface{}, len(c.CustomFields)+3)
	for k, v := range c.CustomFields {
		vars[k] = v
	}
	vars["first_name"] = c.FirstName
	vars["last_name"] = c.LastName
	vars["email"] = c.Email
	return vars
}

// TemplateDefaults computes the lowest-precedence layer from a
// template's declared variable schema.
func TemplateDefaults(t *Template) map[string]interface{} {
	if t == nil {
		return nil
	}
	defaults := make(map[string]interface{})
	for _, v := range t.Variables {
		if v.Default != "" {
			defaults[v.Name] = v.Default
		}
	}
	return defaults
}

// Render renders text against merged variable layers. Placeholders that
// resolve to no value are replaced with a visible [identifier] marker.
// Rendering never fails: on a Liquid parse or render error the plain
// placeholder substitution pass runs instead. Re-rendering fully
// resolved text returns it unchanged.
func (ts *TemplateService) Render(text string, layers ...map[string]interface{}) string {
	if text == "" {
		return text
	}

	bindings := MergeVariables(layers...)

	// Seed unresolved identifiers with their marker so Liquid's empty
	// output for missing variables never leaks blank spots. An
	// identifier whose every use carries a default: filter is left
	// unbound — seeding it would shadow the fallback value.
	occurrences := make(map[string]int)
	for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		occurrences[match[1]]++
	}
	defaulted := make(map[string]int)
	for _, match := range defaultedPattern.FindAllStringSubmatch(text, -1) {
		defaulted[match[1]]++
	}
	for name, uses := range occurrences {
		if _, ok := bindings[name]; ok {
			continue
		}
		if defaulted[name] >= uses {
			continue
		}
		bindings[name] = "[" + name + "]"
	}

	out, err := ts.renderLiquid(text, bindings)
	if err != nil {
		return substitutePlain(text, bindings)
	}
	return out
}

func (ts *TemplateService) renderLiquid(text string, bindings map[string]interface{}) (string, error) {
	key := text
	if cached, ok := ts.cache.Load(key); ok {
		return cached.(*liquid.Template).RenderString(bindings)
	}

	tpl, err := ts.engine.ParseString(text)
	if err != nil {
		return "", err
	}
	ts.cache.Store(key, tpl)
	return tpl.RenderString(bindings)
}

// substitutePlain is the total fallback: direct replacement of simple
// {{ identifier }} placeholders, markers for everything unresolved.
func substitutePlain(text string, bindings map[string]interface{}) string {
	return simplePlaceholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := simplePlaceholderPattern.FindStringSubmatch(m)[1]
		if v, ok := bindings[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		return "[" + name + "]"
	})
}

// ClearCache drops all parsed templates
func (ts *TemplateService) ClearCache() {
	ts.cache = sync.Map{}
}

// ---------------------------------------------------------------------------
// Variable type validation. Runs at campaign-validation time, when a
// campaign leaves draft — never at render time.

// ValidateEmailAddress reports whether s parses as a single address
func ValidateEmailAddress(s string) bool {
	if s == "" || strings.Count(s, "@") != 1 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	at := strings.LastIndex(addr.Address, "@")
	domain := addr.Address[at+1:]
	return strings.Contains(domain, ".")
}

// ValidateURL reports whether s is an absolute http(s) URL
func ValidateURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validateVariableValue checks one value against a declared type
func validateVariableValue(declared TemplateVariable, value interface{}) error {
	str := fmt.Sprintf("%v", value)
	switch declared.Type {
	case VarEmail:
		if !ValidateEmailAddress(str) {
			return NewValidationError(declared.Name, "%q is not a valid email address", str)
		}
	case VarURL:
		if !ValidateURL(str) {
			return NewValidationError(declared.Name, "%q is not a valid URL", str)
		}
	case VarNumber:
		switch value.(type) {
		case int, int64, float32, float64:
			return nil
		}
		if _, err := strconv.ParseFloat(str, 64); err != nil {
			return NewValidationError(declared.Name, "%q is not a number", str)
		}
	case VarText, "":
		// any value renders as text
	default:
		return NewValidationError(declared.Name, "unknown variable type %q", declared.Type)
	}
	return nil
}

// ValidateCampaignVariables checks campaign variables against the
// template's declared schema: required variables must be present (a
// schema default satisfies required) and typed variables must parse.
// A failure blocks the campaign from leaving draft.
func ValidateCampaignVariables(t *Template, vars JSON) error {
	if t == nil {
		return nil
	}
	for _, declared := range t.Variables {
		value, ok := vars[declared.Name]
		if !ok {
			if declared.Required && declared.Default == "" {
				return NewValidationError(declared.Name, "required variable is missing")
			}
			continue
		}
		if err := validateVariableValue(declared, value); err != nil {
			return err
		}
	}
	return nil
}
