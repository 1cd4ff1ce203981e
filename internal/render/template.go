// Package render fills campaign messages and operator reports using the
// Liquid template language. Message templates written with the older single
// brace placeholders ({nome}, {sobrenome}) are accepted too.
package render

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/osteele/liquid"
)

// TemplateService renders Liquid templates, caching parsed templates by
// source text.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a service with the messaging filters registered.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerFilters()
	return ts
}

func (ts *TemplateService) registerFilters() {
	// {{ nome | default: "cliente" }}
	ts.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ nome | capitalize }}
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		r, size := utf8.DecodeRuneInString(s)
		if size == 0 {
			return s
		}
		return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
	})

	// {{ nome | titlecase }}
	ts.engine.RegisterFilter("titlecase", func(s string) string {
		words := strings.Fields(strings.ToLower(s))
		for i, w := range words {
			r, size := utf8.DecodeRuneInString(w)
			words[i] = string(unicode.ToUpper(r)) + w[size:]
		}
		return strings.Join(words, " ")
	})

	// {{ nome | first_word }}
	ts.engine.RegisterFilter("first_word", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return ""
	})

	// {{ total | number_with_delimiter }} → 12.345
	ts.engine.RegisterFilter("number_with_delimiter", func(value interface{}) string {
		var n int64
		switch v := value.(type) {
		case int:
			n = int64(v)
		case int64:
			n = v
		case float64:
			n = int64(v)
		default:
			return fmt.Sprintf("%v", value)
		}
		return delimit(n)
	})

	// {{ rate | percentage }} → 87.5%
	ts.engine.RegisterFilter("percentage", func(value interface{}) string {
		switch v := value.(type) {
		case float64:
			return fmt.Sprintf("%.1f%%", v)
		case int:
			return fmt.Sprintf("%d%%", v)
		default:
			return fmt.Sprintf("%v", value)
		}
	})

	// {{ phone | phone_format }} → +55 (11) 98765-4321
	ts.engine.RegisterFilter("phone_format", FormatPhone)

	// {{ completedAt | brdate }} → 04/03/2026 10:00
	ts.engine.RegisterFilter("brdate", func(value interface{}) string {
		switch v := value.(type) {
		case time.Time:
			return v.Format("02/01/2006 15:04")
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.Format("02/01/2006 15:04")
			}
			if t, err := time.Parse("2006-01-02", v); err == nil {
				return t.Format("02/01/2006")
			}
			return v
		default:
			return fmt.Sprintf("%v", value)
		}
	})
}

// Parse reports template syntax errors.
func (ts *TemplateService) Parse(src string) error {
	_, err := ts.template(src)
	return err
}

// Render fills src with vars. On error the source text is returned along with
// the error.
func (ts *TemplateService) Render(src string, vars map[string]any) (string, error) {
	tpl, err := ts.template(src)
	if err != nil {
		log.Printf("[TemplateService] Parse error: %v", err)
		return src, err
	}
	out, err := tpl.RenderString(vars)
	if err != nil {
		log.Printf("[TemplateService] Render error: %v", err)
		return src, err
	}
	return out, nil
}

func (ts *TemplateService) template(src string) (*liquid.Template, error) {
	if cached, ok := ts.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := ts.engine.ParseString(ConvertLegacy(src))
	if err != nil {
		return nil, err
	}
	ts.cache.Store(src, tpl)
	return tpl, nil
}

// ClearCache drops every parsed template.
func (ts *TemplateService) ClearCache() {
	ts.cache.Range(func(k, _ any) bool {
		ts.cache.Delete(k)
		return true
	})
}

// ConvertLegacy rewrites single brace placeholders like {nome} into Liquid
// output tags. Liquid tags and outputs are copied unchanged, as is any brace
// pair that does not hold a plain identifier.
func ConvertLegacy(src string) string {
	if !strings.Contains(src, "{") {
		return src
	}
	var b strings.Builder
	b.Grow(len(src) + 16)
	for i := 0; i < len(src); {
		if src[i] != '{' {
			b.WriteByte(src[i])
			i++
			continue
		}
		if i+1 < len(src) && (src[i+1] == '{' || src[i+1] == '%') {
			closer := "}}"
			if src[i+1] == '%' {
				closer = "%}"
			}
			end := strings.Index(src[i+2:], closer)
			if end < 0 {
				b.WriteString(src[i:])
				break
			}
			end += i + 2 + len(closer)
			b.WriteString(src[i:end])
			i = end
			continue
		}
		end := strings.IndexByte(src[i+1:], '}')
		if end < 0 {
			b.WriteString(src[i:])
			break
		}
		name := strings.TrimSpace(src[i+1 : i+1+end])
		if isIdent(name) {
			b.WriteString("{{ " + name + " }}")
		} else {
			b.WriteString(src[i : i+2+end])
		}
		i += end + 2
	}
	return b.String()
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

func delimit(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// FormatPhone pretty-prints a Brazilian number; anything else is returned
// as given.
func FormatPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	switch len(digits) {
	case 13: // 55 + DDD + 9 digits
		return fmt.Sprintf("+%s (%s) %s-%s", digits[:2], digits[2:4], digits[4:9], digits[9:])
	case 12:
		return fmt.Sprintf("+%s (%s) %s-%s", digits[:2], digits[2:4], digits[4:8], digits[8:])
	case 11:
		return fmt.Sprintf("(%s) %s-%s", digits[:2], digits[2:7], digits[7:])
	default:
		return phone
	}
}
