// Package render turns a template id and stack parameters into a
// platform-ready compose descriptor.
//
// Rendering happens in two phases. Structural parameters (name, domain,
// resource limits) are filled by text/template; ${VAR} and ${VAR:-default}
// references are then resolved against the stack config. Unresolved
// variables without a default become the empty string.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/mfridman/interpolate"
	"gopkg.in/yaml.v3"

	"github.com/bcnelson/stack-provisioner/internal/config"
	"github.com/bcnelson/stack-provisioner/internal/domain"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Template ids in the closed set.
const (
	TemplateFullAgent      = "full-agent"
	TemplateLightweightBot = "lightweight-bot"
	TemplateGatewayOnly    = "gateway-only"
)

var templateIDs = []string{TemplateFullAgent, TemplateGatewayOnly, TemplateLightweightBot}

// Renderer renders the embedded compose templates. It is safe for
// concurrent use.
type Renderer struct {
	baseDomain string
	tmpl       *template.Template
}

// New parses the embedded templates.
func New(cfg config.ProvisionerConfig) (*Renderer, error) {
	tmpl, err := template.New("compose").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	for _, id := range templateIDs {
		if tmpl.Lookup(id+".tmpl") == nil {
			return nil, fmt.Errorf("template %s is not embedded", id)
		}
	}
	return &Renderer{
		baseDomain: strings.TrimPrefix(cfg.BaseDomain, "."),
		tmpl:       tmpl,
	}, nil
}

// Templates returns the ids of every known template, sorted.
func (r *Renderer) Templates() []string {
	out := make([]string, len(templateIDs))
	copy(out, templateIDs)
	return out
}

// Has reports whether id is a known template.
func (r *Renderer) Has(id string) bool {
	for _, t := range templateIDs {
		if t == id {
			return true
		}
	}
	return false
}

// EffectiveDomain returns the hostname a stack is served on.
func (r *Renderer) EffectiveDomain(name, domainOverride string) string {
	if domainOverride != "" {
		return domainOverride
	}
	if r.baseDomain == "" {
		return name
	}
	return name + "." + r.baseDomain
}

type templateData struct {
	Name   string
	Domain string
	Limits *domain.ResourceLimits
}

// Render produces the descriptor for req.
func (r *Renderer) Render(req domain.RenderRequest) (*domain.Descriptor, error) {
	if !r.Has(req.Template) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTemplate, req.Template)
	}

	data := templateData{
		Name:   req.Name,
		Domain: r.EffectiveDomain(req.Name, req.Domain),
	}
	if !req.ResourceLimits.IsZero() {
		data.Limits = req.ResourceLimits
	}

	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, req.Template+".tmpl", data); err != nil {
		return nil, fmt.Errorf("executing template %s: %w", req.Template, err)
	}

	compose, err := interpolate.Interpolate(quotedEnv(req.Config), buf.String())
	if err != nil {
		return nil, fmt.Errorf("%w: interpolating variables: %v", domain.ErrInvalidDescriptor, err)
	}

	services, err := parseServices(compose)
	if err != nil {
		return nil, err
	}

	return &domain.Descriptor{
		Template: req.Template,
		Name:     req.Name,
		Domain:   data.Domain,
		Compose:  compose,
		Services: services,
	}, nil
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image string `yaml:"image"`
}

// parseServices checks that the rendered text is a compose document with at
// least one service, each naming an image.
func parseServices(compose string) ([]string, error) {
	var doc composeFile
	if err := yaml.Unmarshal([]byte(compose), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDescriptor, err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("%w: no services defined", domain.ErrInvalidDescriptor)
	}
	names := make([]string, 0, len(doc.Services))
	for name, svc := range doc.Services {
		if svc.Image == "" {
			return nil, fmt.Errorf("%w: service %s has no image", domain.ErrInvalidDescriptor, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// quotedEnv resolves variables from the stack config. Every reference in the
// templates sits inside a double-quoted YAML scalar, so values are escaped
// for that context and decode back to the exact config value.
type quotedEnv map[string]string

func (e quotedEnv) Get(key string) (string, bool) {
	v, ok := e[key]
	if !ok {
		return "", false
	}
	return escapeDoubleQuoted(v), true
}

var doubleQuotedEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func escapeDoubleQuoted(s string) string {
	return doubleQuotedEscaper.Replace(s)
}
