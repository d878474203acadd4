// Package template renders campaign content with the Liquid template
// language. Compiled templates are cached per cache key, so a job renders
// its subject and body once per recipient without re-parsing.
package template

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/sender"
)

// Engine wraps a Liquid engine with custom filters and a compile cache.
type Engine struct {
	liquid *liquid.Engine
	cache  sync.Map // cacheKey -> *liquid.Template
}

// NewEngine creates an engine with the send-pipeline filter set.
func NewEngine() *Engine {
	e := &Engine{liquid: liquid.NewEngine()}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// {{ first_name | default: "there" }}
	e.liquid.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ name | titlecase }}
	e.liquid.RegisterFilter("titlecase", func(s string) string {
		return strings.Title(strings.ToLower(s))
	})

	// {{ headline | truncate: 60 }}
	e.liquid.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// {{ email | urlencode }}
	e.liquid.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ user_input | escape }}
	e.liquid.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ email | email_domain }}
	e.liquid.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})
}

// Parse compiles a template string, reporting syntax errors. Enqueue-time
// validation calls this so a broken template fails the whole job before
// any send.
func (e *Engine) Parse(templateStr string) error {
	_, err := e.liquid.ParseString(templateStr)
	return err
}

// Render compiles (or reuses) the template under cacheKey and renders it
// with vars. Missing variables render empty; syntax errors fail the render.
func (e *Engine) Render(cacheKey, templateStr string, vars map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := e.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(vars)
		}
	}

	tpl, err := e.liquid.ParseString(templateStr)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	if cacheKey != "" {
		e.cache.Store(cacheKey, tpl)
	}
	return tpl.RenderString(vars)
}

// RenderEmail produces the full message for one recipient: subject, HTML,
// and text, personalized from the recipient's variables plus the built-ins
// email and lead_id. Cache keys derive from the job so every recipient of
// a job shares compiled templates.
func (e *Engine) RenderEmail(jobID string, payload *domain.JobPayload, recipient *domain.Recipient) (*sender.EmailMessage, error) {
	vars := make(map[string]interface{}, len(recipient.Vars)+2)
	for k, v := range recipient.Vars {
		vars[k] = v
	}
	vars["email"] = recipient.Email
	vars["lead_id"] = recipient.LeadID

	subject, err := e.Render(jobID+":subject", payload.Subject, vars)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	htmlBody, err := e.Render(jobID+":html", payload.HTMLBody, vars)
	if err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	textBody := ""
	if payload.TextBody != "" {
		textBody, err = e.Render(jobID+":text", payload.TextBody, vars)
		if err != nil {
			return nil, fmt.Errorf("render text body: %w", err)
		}
	}

	return &sender.EmailMessage{
		JobID:     jobID,
		LeadID:    recipient.LeadID,
		Email:     recipient.Email,
		FromName:  payload.FromName,
		FromEmail: payload.FromEmail,
		ReplyTo:   payload.ReplyTo,
		Subject:   subject,
		HTMLBody:  htmlBody,
		TextBody:  textBody,
		Tags:      payload.Tags,
	}, nil
}

// Evict drops a job's compiled templates once the job is done.
func (e *Engine) Evict(jobID string) {
	e.cache.Delete(jobID + ":subject")
	e.cache.Delete(jobID + ":html")
	e.cache.Delete(jobID + ":text")
}
