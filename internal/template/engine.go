// Package template renders message content against customer attributes with
// Liquid. Placeholders look like {{ first_name }}; a key the recipient does
// not have renders as the empty string.
package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Keys lists the attributes every recipient exposes.
var Keys = []string{
	"first_name", "last_name", "full_name", "phone", "email",
	"chat_a_id", "chat_b_id", "visit_count", "last_visit_date",
	"booking_count", "last_booking_date", "lifetime_spend", "gender", "tenant_name",
}

// Engine is safe for concurrent use. Parsed templates are cached by source.
type Engine struct {
	liquid *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

func NewEngine() *Engine {
	e := &Engine{liquid: liquid.NewEngine()}

	// {{ first_name | default_to: "there" }}
	e.liquid.RegisterFilter("default_to", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprint(value); strings.TrimSpace(s) == "" {
			return fallback
		}
		return value
	})

	return e
}

func (e *Engine) parse(src string) (*liquid.Template, error) {
	if cached, ok := e.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := e.liquid.ParseString(src)
	if err != nil {
		return nil, err
	}
	e.cache.Store(src, tpl)
	return tpl, nil
}

// Validate reports a syntax error in src.
func (e *Engine) Validate(src string) error {
	if _, err := e.parse(src); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	return nil
}

// Render substitutes attrs into src.
func (e *Engine) Render(src string, attrs map[string]string) (string, error) {
	if !strings.Contains(src, "{") {
		return src, nil
	}
	tpl, err := e.parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	bindings := make(liquid.Bindings, len(attrs))
	for k, v := range attrs {
		bindings[k] = v
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// CacheSize is the number of parsed templates held.
func (e *Engine) CacheSize() int {
	n := 0
	e.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
