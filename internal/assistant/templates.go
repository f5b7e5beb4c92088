package assistant

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nbuy/shopchat/internal/utils"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Template names.
const (
	tplSystem              = "system"
	tplUser                = "user"
	tplSales               = "offline.sales"
	tplSalesUnavailable    = "offline.salesUnavailable"
	tplProducts            = "offline.products"
	tplProductsUnavailable = "offline.productsUnavailable"
	tplGreetingAdmin       = "offline.greetingAdmin"
	tplGreetingCustomer    = "offline.greetingCustomer"
)

// Templates holds the prompt and canned reply texts.
type Templates struct {
	AssistantName string `yaml:"assistantName"`
	ContextBudget int    `yaml:"contextBudget"`
	System        string `yaml:"system"`
	User          string `yaml:"user"`
	Fallbacks     struct {
		Timeout string `yaml:"timeout"`
		Error   string `yaml:"error"`
	} `yaml:"fallbacks"`
	Offline struct {
		Sales               string `yaml:"sales"`
		SalesUnavailable    string `yaml:"salesUnavailable"`
		Products            string `yaml:"products"`
		ProductsUnavailable string `yaml:"productsUnavailable"`
		GreetingAdmin       string `yaml:"greetingAdmin"`
		GreetingCustomer    string `yaml:"greetingCustomer"`
	} `yaml:"offline"`

	compiled *template.Template
}

var funcs = template.FuncMap{
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
}

// DefaultTemplates returns the embedded templates.
func DefaultTemplates() *Templates {
	t, err := parseTemplates(defaultPrompts, nil)
	if err != nil {
		panic(fmt.Sprintf("embedded prompts.yaml: %v", err))
	}
	return t
}

// LoadTemplates reads an override file on top of the embedded defaults.
// An empty path returns the defaults.
func LoadTemplates(path string) (*Templates, error) {
	if path == "" {
		return DefaultTemplates(), nil
	}
	data, err := os.ReadFile(utils.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return parseTemplates(defaultPrompts, data)
}

func parseTemplates(base, override []byte) (*Templates, error) {
	t := &Templates{}
	if err := yaml.Unmarshal(base, t); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if len(override) > 0 {
		if err := yaml.Unmarshal(override, t); err != nil {
			return nil, fmt.Errorf("parse prompts override: %w", err)
		}
	}
	if t.ContextBudget <= 0 {
		t.ContextBudget = 1500
	}
	if strings.TrimSpace(t.Fallbacks.Timeout) == "" || strings.TrimSpace(t.Fallbacks.Error) == "" {
		return nil, fmt.Errorf("prompts: fallback texts must not be empty")
	}

	root := template.New("prompts").Funcs(funcs).Option("missingkey=error")
	for name, text := range map[string]string{
		tplSystem:              t.System,
		tplUser:                t.User,
		tplSales:               t.Offline.Sales,
		tplSalesUnavailable:    t.Offline.SalesUnavailable,
		tplProducts:            t.Offline.Products,
		tplProductsUnavailable: t.Offline.ProductsUnavailable,
		tplGreetingAdmin:       t.Offline.GreetingAdmin,
		tplGreetingCustomer:    t.Offline.GreetingCustomer,
	} {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("prompts: template %s is empty", name)
		}
		if _, err := root.New(name).Parse(text); err != nil {
			return nil, fmt.Errorf("prompts: template %s: %w", name, err)
		}
	}
	t.compiled = root
	return t, nil
}

func (t *Templates) render(name string, data any) (string, error) {
	var sb strings.Builder
	if err := t.compiled.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
