// Package outlets loads the list of news outlets to scrape from YAML.
package outlets

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devpouya/swissnews/internal/filter"
	"github.com/devpouya/swissnews/internal/model"
)

// Validation errors.
var (
	ErrNoOutlets           = errors.New("no outlets configured")
	ErrMissingName         = errors.New("outlet name is required")
	ErrDuplicateOutlet     = errors.New("duplicate outlet name")
	ErrMissingFeedURL      = errors.New("outlet feed_url is required")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidStatus       = errors.New("invalid outlet status")
	ErrInvalidTimeout      = errors.New("invalid timeout")
	ErrInvalidFilter       = errors.New("invalid filter")
)

var languages = map[string]struct{}{"de": {}, "fr": {}, "it": {}, "rm": {}}

// Defaults fill settings an outlet leaves empty. Values in the file's
// defaults section take precedence over these.
type Defaults struct {
	UserAgent   string
	MaxArticles int
	Timeout     time.Duration
}

type file struct {
	Defaults   defaultsSection   `yaml:"defaults"`
	Validation validationSection `yaml:"validation"`
	Outlets    []outletEntry     `yaml:"outlets"`
}

type defaultsSection struct {
	UserAgent   string `yaml:"user_agent"`
	MaxArticles int    `yaml:"max_articles"`
	Timeout     string `yaml:"timeout"`
}

type validationSection struct {
	MinTimeout string `yaml:"min_timeout"`
	MaxTimeout string `yaml:"max_timeout"`
}

type outletEntry struct {
	Name        string        `yaml:"name"`
	URL         string        `yaml:"url"`
	FeedURL     string        `yaml:"feed_url"`
	Language    string        `yaml:"language"`
	Owner       string        `yaml:"owner"`
	City        string        `yaml:"city"`
	Canton      string        `yaml:"canton"`
	Occurrence  string        `yaml:"occurrence"`
	Status      string        `yaml:"status"`
	UserAgent   string        `yaml:"user_agent"`
	MaxArticles int           `yaml:"max_articles"`
	Timeout     string        `yaml:"timeout"`
	Filters     []filterEntry `yaml:"filters"`
}

type filterEntry struct {
	Kind  string `yaml:"kind"`
	Scope string `yaml:"scope"`
	Value string `yaml:"value"`
}

// Loader reads the outlet file on every call, so edits apply to the next
// scraping cycle without a restart.
type Loader struct {
	path     string
	defaults Defaults
}

// NewLoader creates a Loader for the YAML file at path.
func NewLoader(path string, defaults Defaults) *Loader {
	return &Loader{path: path, defaults: defaults}
}

// Outlets returns the active outlets in file order.
func (l *Loader) Outlets() ([]model.OutletConfig, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	active := make([]model.OutletConfig, 0, len(all))
	for _, o := range all {
		if o.Status == model.OutletActive {
			active = append(active, o)
		}
	}
	return active, nil
}

// All returns every configured outlet, defunct ones included.
func (l *Loader) All() ([]model.OutletConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read outlets file: %w", err)
	}
	out, err := Parse(data, l.defaults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}
	return out, nil
}

// Parse decodes and validates an outlet file.
func Parse(data []byte, defaults Defaults) ([]model.OutletConfig, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(f.Outlets) == 0 {
		return nil, ErrNoOutlets
	}

	d, err := mergeDefaults(defaults, f.Defaults)
	if err != nil {
		return nil, err
	}
	minTimeout, maxTimeout, err := timeoutBounds(f.Validation)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(f.Outlets))
	out := make([]model.OutletConfig, 0, len(f.Outlets))
	for i, e := range f.Outlets {
		o, err := e.toConfig(d)
		if err != nil {
			return nil, fmt.Errorf("outlet %d: %w", i, err)
		}
		if _, dup := seen[o.Name]; dup {
			return nil, fmt.Errorf("outlet %d: %w: %s", i, ErrDuplicateOutlet, o.Name)
		}
		seen[o.Name] = struct{}{}
		if o.Timeout < minTimeout || o.Timeout > maxTimeout {
			return nil, fmt.Errorf("outlet %s: %w: %v not within [%v, %v]", o.Name, ErrInvalidTimeout, o.Timeout, minTimeout, maxTimeout)
		}
		out = append(out, o)
	}
	return out, nil
}

func (e outletEntry) toConfig(d Defaults) (model.OutletConfig, error) {
	o := model.OutletConfig{
		Name:        strings.TrimSpace(e.Name),
		URL:         strings.TrimSpace(e.URL),
		FeedURL:     strings.TrimSpace(e.FeedURL),
		Language:    strings.ToLower(strings.TrimSpace(e.Language)),
		Owner:       e.Owner,
		City:        e.City,
		Canton:      e.Canton,
		Occurrence:  e.Occurrence,
		Status:      model.OutletStatus(strings.ToLower(strings.TrimSpace(e.Status))),
		UserAgent:   e.UserAgent,
		MaxArticles: e.MaxArticles,
	}
	if o.Name == "" {
		return o, ErrMissingName
	}
	if o.FeedURL == "" {
		return o, fmt.Errorf("%w: %s", ErrMissingFeedURL, o.Name)
	}
	if _, ok := languages[o.Language]; !ok {
		return o, fmt.Errorf("%w: %q for %s", ErrUnsupportedLanguage, e.Language, o.Name)
	}
	switch o.Status {
	case "":
		o.Status = model.OutletActive
	case model.OutletActive, model.OutletDefunct:
	default:
		return o, fmt.Errorf("%w: %q for %s", ErrInvalidStatus, e.Status, o.Name)
	}

	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.MaxArticles == 0 {
		o.MaxArticles = d.MaxArticles
	}
	o.Timeout = d.Timeout
	if e.Timeout != "" {
		t, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return o, fmt.Errorf("%w: %q for %s", ErrInvalidTimeout, e.Timeout, o.Name)
		}
		o.Timeout = t
	}

	for _, fe := range e.Filters {
		scope := model.FilterScope(fe.Scope)
		if scope == "" {
			scope = model.ScopeAll
		}
		o.Filters = append(o.Filters, model.Filter{
			Kind:  model.FilterKind(fe.Kind),
			Scope: scope,
			Value: fe.Value,
		})
	}
	if err := filter.Validate(o.Filters); err != nil {
		return o, fmt.Errorf("%w: %s: %v", ErrInvalidFilter, o.Name, err)
	}
	return o, nil
}

func mergeDefaults(d Defaults, s defaultsSection) (Defaults, error) {
	if s.UserAgent != "" {
		d.UserAgent = s.UserAgent
	}
	if s.MaxArticles != 0 {
		d.MaxArticles = s.MaxArticles
	}
	if s.Timeout != "" {
		t, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return d, fmt.Errorf("defaults: %w: %q", ErrInvalidTimeout, s.Timeout)
		}
		d.Timeout = t
	}
	if d.MaxArticles < 0 {
		return d, fmt.Errorf("defaults: max_articles must be >= 0")
	}
	return d, nil
}

func timeoutBounds(v validationSection) (time.Duration, time.Duration, error) {
	minTimeout, maxTimeout := time.Second, 10*time.Minute
	if v.MinTimeout != "" {
		t, err := time.ParseDuration(v.MinTimeout)
		if err != nil {
			return 0, 0, fmt.Errorf("validation: %w: min_timeout %q", ErrInvalidTimeout, v.MinTimeout)
		}
		minTimeout = t
	}
	if v.MaxTimeout != "" {
		t, err := time.ParseDuration(v.MaxTimeout)
		if err != nil {
			return 0, 0, fmt.Errorf("validation: %w: max_timeout %q", ErrInvalidTimeout, v.MaxTimeout)
		}
		maxTimeout = t
	}
	if minTimeout > maxTimeout {
		return 0, 0, fmt.Errorf("validation: %w: min_timeout exceeds max_timeout", ErrInvalidTimeout)
	}
	return minTimeout, maxTimeout, nil
}
