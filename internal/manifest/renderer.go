// Package manifest renders the Kubernetes manifests the provisioner applies.
// Built-in templates are embedded; a directory can override or extend them.
package manifest

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Template names.
const (
	Namespace           = "namespace"
	MemberRole          = "role-member"
	AdminRole           = "role-admin"
	ServiceAccount      = "service-account"
	RoleBinding         = "role-binding"
	ServiceAccountToken = "service-account-token"

	quotaDir      = "resourcequotas"
	limitRangeDir = "limitranges"
	templateExt   = ".yaml"
)

// ErrUnknownTemplate is returned when no template has the requested name.
var ErrUnknownTemplate = errors.New("unknown template")

//go:embed templates
var builtin embed.FS

// Renderer produces a manifest payload from a named template.
type Renderer interface {
	Render(name string, params map[string]string) ([]byte, error)
}

// QuotaTemplate is the template name of a resource quota profile.
func QuotaTemplate(profile string) string { return quotaDir + "/" + profile }

// LimitRangeTemplate is the template name of a limit range profile.
func LimitRangeTemplate(profile string) string { return limitRangeDir + "/" + profile }

// TemplateRenderer renders text/templates with the sprig function map.
// Missing parameters are an error.
type TemplateRenderer struct {
	templates map[string]*template.Template
}

// New loads the embedded templates, then any *.yaml under overrideDir.
func New(overrideDir string) (*TemplateRenderer, error) {
	r := &TemplateRenderer{templates: map[string]*template.Template{}}
	sub, err := fs.Sub(builtin, "templates")
	if err != nil {
		return nil, err
	}
	if err := r.load(sub); err != nil {
		return nil, fmt.Errorf("builtin templates: %w", err)
	}
	if overrideDir != "" {
		if err := r.load(os.DirFS(overrideDir)); err != nil {
			return nil, fmt.Errorf("templates in %s: %w", overrideDir, err)
		}
	}
	return r, nil
}

func (r *TemplateRenderer) load(fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != templateExt {
			return nil
		}
		raw, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(p, templateExt)
		t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return err
		}
		r.templates[name] = t
		return nil
	})
}

func (r *TemplateRenderer) Render(name string, params map[string]string) ([]byte, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// QuotaProfiles lists the recognized resource quota profiles.
func (r *TemplateRenderer) QuotaProfiles() []string { return r.profiles(quotaDir) }

// LimitRangeProfiles lists the recognized limit range profiles.
func (r *TemplateRenderer) LimitRangeProfiles() []string { return r.profiles(limitRangeDir) }

func (r *TemplateRenderer) profiles(dir string) []string {
	prefix := dir + "/"
	var out []string
	for name := range r.templates {
		if strings.HasPrefix(name, prefix) {
			out = append(out, strings.TrimPrefix(name, prefix))
		}
	}
	sort.Strings(out)
	return out
}
