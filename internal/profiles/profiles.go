package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

// Profile is a program preset: what language we translate into, whether a
// human review gate applies, and which subtitle style the finalizer/burner
// collaborators receive.
type Profile struct {
	Name           string `yaml:"name" json:"name"`
	TargetLanguage string `yaml:"target_language" json:"target_language"`
	SubtitleStyle  string `yaml:"subtitle_style" json:"subtitle_style"`
	ReviewRequired bool   `yaml:"review_required" json:"review_required"`
	// Match is a list of filename substrings that select this profile.
	Match []string `yaml:"match" json:"match,omitempty"`
}

type catalogFile struct {
	Default  string    `yaml:"default"`
	Profiles []Profile `yaml:"profiles"`
}

// Catalog maps incoming filenames onto profiles. Loaded once at startup;
// the file is collaborator-owned configuration.
type Catalog struct {
	log         *logger.Logger
	profiles    []Profile
	defaultName string

	fallbackLanguage string
	fallbackReview   bool
}

// Load reads the YAML catalog. A missing file is not an error: the catalog
// degrades to the configured fallbacks.
func Load(baseLog *logger.Logger, path, fallbackLanguage string, fallbackReview bool) (*Catalog, error) {
	c := &Catalog{
		log:              baseLog.With("component", "Profiles"),
		fallbackLanguage: fallbackLanguage,
		fallbackReview:   fallbackReview,
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.log.Info("no profiles catalog, using fallbacks", "path", path)
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse profiles catalog %s: %w", path, err)
	}
	for _, p := range f.Profiles {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("profiles catalog %s: profile missing name", path)
		}
	}
	c.profiles = f.Profiles
	c.defaultName = f.Default
	c.log.Info("profiles catalog loaded", "path", path, "profiles", len(f.Profiles))
	return c, nil
}

// Profiles returns the catalog contents for the API.
func (c *Catalog) Profiles() []Profile {
	out := make([]Profile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

func (c *Catalog) byName(name string) *Profile {
	for i := range c.profiles {
		if c.profiles[i].Name == name {
			return &c.profiles[i]
		}
	}
	return nil
}

// DefaultsFor selects the profile for a filename: first profile with a
// matching substring, else the catalog default, else bare fallbacks.
// Implements inbox.JobDefaults.
func (c *Catalog) DefaultsFor(filename string) (targetLanguage, programProfile, subtitleStyle string, reviewRequired bool) {
	lower := strings.ToLower(filepath.Base(filename))
	var chosen *Profile
	for i := range c.profiles {
		for _, m := range c.profiles[i].Match {
			if m != "" && strings.Contains(lower, strings.ToLower(m)) {
				chosen = &c.profiles[i]
				break
			}
		}
		if chosen != nil {
			break
		}
	}
	if chosen == nil && c.defaultName != "" {
		chosen = c.byName(c.defaultName)
	}
	if chosen == nil {
		return c.fallbackLanguage, "", "", c.fallbackReview
	}
	lang := chosen.TargetLanguage
	if lang == "" {
		lang = c.fallbackLanguage
	}
	return lang, chosen.Name, chosen.SubtitleStyle, chosen.ReviewRequired
}
