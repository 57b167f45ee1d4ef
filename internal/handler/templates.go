package handler

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/DukeRupert/stockpile/internal/csrf"
	twmerge "github.com/Oudwins/tailwind-merge-go"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TemplateFuncs returns a FuncMap with custom template functions
func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"year": func() int {
			return time.Now().Year()
		},
		"lower": strings.ToLower,
		"title": func(v interface{}) string {
			return cases.Title(language.English).String(fmt.Sprint(v))
		},

		// cls merges class lists; later classes win over conflicting earlier ones
		"cls": func(classes ...string) string {
			return twmerge.Merge(classes...)
		},
		"flashClass": func(flashType string) string {
			switch flashType {
			case FlashSuccess:
				return "flash-success"
			case FlashError:
				return "flash-error"
			default:
				return "flash-info"
			}
		},

		"ternary": func(condition bool, trueVal, falseVal interface{}) interface{} {
			if condition {
				return trueVal
			}
			return falseVal
		},
		"dict": func(values ...interface{}) map[string]interface{} {
			if len(values)%2 != 0 {
				return nil
			}
			dict := make(map[string]interface{}, len(values)/2)
			for i := 0; i < len(values); i += 2 {
				key, ok := values[i].(string)
				if !ok {
					return nil
				}
				dict[key] = values[i+1]
			}
			return dict
		},

		// Form helpers
		"csrfField": func(token string) template.HTML {
			return template.HTML(fmt.Sprintf(`<input type="hidden" name="%s" value="%s">`, csrf.FormFieldName, template.HTMLEscapeString(token)))
		},
	}
}
