package notify

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template names used by the ledger core.
const (
	TemplateAccountCreated       = "account.created"
	TemplateAccountStatusChanged = "account.status_changed"
	TemplateMovementSent         = "movement.sent"
	TemplateMovementReceived     = "movement.received"
)

// ErrRender marks failures that no retry can fix: unknown templates or
// missing variables.
var ErrRender = errors.New("notification render failed")

//go:embed templates.yaml
var defaultTemplates []byte

// Message is a rendered notification ready for a transport.
type Message struct {
	Template  string
	Recipient string
	Subject   string
	Body      string
}

type templateSpec struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type catalogFile struct {
	Templates map[string]templateSpec `yaml:"templates"`
}

type compiledTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Catalog holds the named message templates.
type Catalog struct {
	templates map[string]compiledTemplate
}

// LoadCatalog reads templates from path, or the built-in set when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultTemplates)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog compiles a YAML template catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var file catalogFile
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}

	catalog := &Catalog{templates: make(map[string]compiledTemplate, len(file.Templates))}
	for name, def := range file.Templates {
		if strings.TrimSpace(def.Body) == "" {
			return nil, fmt.Errorf("template %q has an empty body", name)
		}

		subject, err := template.New(name + ".subject").Option("missingkey=error").Parse(def.Subject)
		if err != nil {
			return nil, fmt.Errorf("parse subject of %q: %w", name, err)
		}
		body, err := template.New(name + ".body").Option("missingkey=error").Parse(def.Body)
		if err != nil {
			return nil, fmt.Errorf("parse body of %q: %w", name, err)
		}
		catalog.templates[name] = compiledTemplate{subject: subject, body: body}
	}

	return catalog, nil
}

// Render builds the message for recipient from the named template.
func (c *Catalog) Render(name, recipient string, vars map[string]string) (Message, error) {
	tmpl, ok := c.templates[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown template %q", ErrRender, name)
	}
	if vars == nil {
		vars = map[string]string{}
	}

	var subject, body strings.Builder
	if err := tmpl.subject.Execute(&subject, vars); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrRender, err)
	}
	if err := tmpl.body.Execute(&body, vars); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrRender, err)
	}

	return Message{
		Template:  name,
		Recipient: recipient,
		Subject:   subject.String(),
		Body:      body.String(),
	}, nil
}
