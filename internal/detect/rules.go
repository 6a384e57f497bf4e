// Package detect decides which frameworks a repository uses by inspecting
// its config files against a static rule table.
package detect

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// MatchKind selects how a rule's token is searched for in config content.
type MatchKind string

const (
	MatchQuoted      MatchKind = "quoted"
	MatchContains    MatchKind = "contains"
	MatchXMLArtifact MatchKind = "xml_artifact"
	MatchYAMLKey     MatchKind = "yaml_key"
	MatchAtom        MatchKind = "atom"
	MatchCSProj      MatchKind = "csproj"
	MatchMarkers     MatchKind = "markers"
)

var predicates = map[MatchKind]func(content string, r Rule) bool{
	MatchQuoted: func(content string, r Rule) bool {
		return strings.Contains(content, `"`+r.Token+`"`)
	},
	MatchContains: func(content string, r Rule) bool {
		return strings.Contains(content, r.Token)
	},
	MatchXMLArtifact: func(content string, r Rule) bool {
		return strings.Contains(content, "<artifactId>"+r.Token+"</artifactId>")
	},
	MatchYAMLKey: func(content string, r Rule) bool {
		return strings.Contains(content, r.Token+":")
	},
	MatchAtom: func(content string, r Rule) bool {
		return strings.Contains(content, ":"+r.Token)
	},
	MatchCSProj: func(content string, r Rule) bool {
		return strings.Contains(content, `<PackageReference Include="`+r.Token) ||
			strings.Contains(content, `<Reference Include="`+r.Token) ||
			strings.Contains(content, `<Project Sdk="`+r.Token)
	},
	MatchMarkers: func(content string, r Rule) bool {
		for _, m := range r.Markers {
			if strings.Contains(content, m) {
				return true
			}
		}
		return false
	},
}

// Rule maps evidence in a config file to a framework.
type Rule struct {
	Token     string    `yaml:"token" toml:"token"`
	Framework string    `yaml:"framework" toml:"framework"`
	Match     MatchKind `yaml:"match" toml:"match"`
	Markers   []string  `yaml:"markers" toml:"markers"`
}

// Matches reports whether content satisfies the rule.
func (r Rule) Matches(content string) bool {
	return predicates[r.Match](content, r)
}

// rulesFile is the on-disk shape of a rule table.
type rulesFile struct {
	VendorDirs  []string            `yaml:"vendor_dirs" toml:"vendor_dirs"`
	Languages   map[string][]string `yaml:"languages" toml:"languages"`
	ConfigFiles map[string][]Rule   `yaml:"config_files" toml:"config_files"`
	Extensions  map[string][]string `yaml:"extensions" toml:"extensions"`
}

// Rules is an immutable rule table. Build one with DefaultRules or
// LoadRules and share it; nothing mutates it after construction.
type Rules struct {
	vendorDirs map[string]struct{}
	languages  map[string][]string
	configs    map[string][]Rule
	extensions map[string][]string
}

// DefaultRules returns the built-in rule table.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRulesYAML, "yaml")
	if err != nil {
		panic(fmt.Sprintf("detect: invalid built-in rules: %v", err))
	}
	return r
}

// LoadRules reads a rule table from a .yaml, .yml or .toml file.
func LoadRules(filename string) (*Rules, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	r, err := ParseRules(data, format)
	if err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", filename, err)
	}
	return r, nil
}

// ParseRules parses and validates a rule table in the given format
// ("yaml", "yml" or "toml").
func ParseRules(data []byte, format string) (*Rules, error) {
	var f rulesFile
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing rules YAML: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("parsing rules TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rules format %q", format)
	}
	return compile(f)
}

func compile(f rulesFile) (*Rules, error) {
	r := &Rules{
		vendorDirs: make(map[string]struct{}, len(f.VendorDirs)),
		languages:  make(map[string][]string, len(f.Languages)),
		configs:    make(map[string][]Rule, len(f.ConfigFiles)),
		extensions: make(map[string][]string, len(f.Extensions)),
	}

	for _, d := range f.VendorDirs {
		r.vendorDirs[d] = struct{}{}
	}
	for lang, files := range f.Languages {
		r.languages[lang] = append([]string(nil), files...)
	}
	for file, rules := range f.ConfigFiles {
		for i, rule := range rules {
			if rule.Framework == "" {
				return nil, fmt.Errorf("%s rule %d: framework is required", file, i)
			}
			if _, ok := predicates[rule.Match]; !ok {
				return nil, fmt.Errorf("%s rule %d: unknown match kind %q", file, i, rule.Match)
			}
			if rule.Match == MatchMarkers && len(rule.Markers) == 0 {
				return nil, fmt.Errorf("%s rule %d: markers match needs at least one marker", file, i)
			}
			if rule.Match != MatchMarkers && rule.Token == "" {
				return nil, fmt.Errorf("%s rule %d: token is required", file, i)
			}
		}
		r.configs[file] = append([]Rule(nil), rules...)
	}
	for fw, exts := range f.Extensions {
		r.extensions[fw] = append([]string(nil), exts...)
	}

	return r, nil
}

// CandidateConfigs returns the config file names implied by languages, in
// first-seen order without duplicates.
func (r *Rules) CandidateConfigs(languages []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, lang := range languages {
		for _, name := range r.languages[lang] {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// ConfigRules returns the rules for a config file, keyed by its base name.
// Extension candidates like "csproj" also resolve for any file with that
// extension, such as "App.csproj". Other names must match exactly, so
// "mypackage.json" has no rules.
func (r *Rules) ConfigRules(filePath, candidate string) ([]Rule, bool) {
	if rules, ok := r.configs[path.Base(filePath)]; ok {
		return rules, true
	}
	if strings.Contains(candidate, ".") || path.Ext(filePath) != "."+candidate {
		return nil, false
	}
	rules, ok := r.configs[candidate]
	return rules, ok
}

// Extensions returns the source extensions counted for framework.
func (r *Rules) Extensions(framework string) []string {
	return r.extensions[framework]
}

// MatchesExtension reports whether filePath has one of framework's
// extensions. Checking stops at the first match.
func (r *Rules) MatchesExtension(framework, filePath string) bool {
	for _, ext := range r.extensions[framework] {
		if strings.HasSuffix(filePath, ext) {
			return true
		}
	}
	return false
}

// IsVendored reports whether any directory in filePath is a dependency
// vendor directory.
func (r *Rules) IsVendored(filePath string) bool {
	dir := path.Dir(filePath)
	if dir == "." {
		return false
	}
	for _, seg := range strings.Split(dir, "/") {
		if _, ok := r.vendorDirs[seg]; ok {
			return true
		}
	}
	return false
}
