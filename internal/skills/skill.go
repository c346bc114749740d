package skills

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is one entry in the skill manifest the decomposition driver inlines
// into its reasoning-service prompt and the supervisor syncs into each
// task's allowed skill_list.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	License       string         `yaml:"license,omitempty"`
	Compatibility string         `yaml:"compatibility,omitempty"`
	AllowedTools  string         `yaml:"allowed-tools,omitempty"`
	Metadata      map[string]any `yaml:"metadata,omitempty"`

	Bins []string `yaml:"bins,omitempty"`

	// Instructions is the markdown body following the frontmatter block;
	// this is what gets inlined into the decomposition prompt.
	Instructions string `yaml:"-"`

	SourceDir string `yaml:"-"`
	Source    string `yaml:"-"` // "project", "user", "installed", "builtin"
}

// ParseSkillMD parses a SKILL.md file: a YAML frontmatter block (name,
// description, metadata, ...) followed by a markdown instructions body.
func ParseSkillMD(data []byte) (Skill, error) {
	yamlBytes, markdownBody, err := extractFrontmatter(data)
	if err != nil {
		return Skill{}, err
	}
	if len(yamlBytes) == 0 {
		return Skill{}, fmt.Errorf("missing frontmatter block")
	}

	var s Skill
	if err := yaml.Unmarshal(yamlBytes, &s); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter yaml: %w", err)
	}
	s.Name = strings.TrimSpace(s.Name)
	s.Description = strings.TrimSpace(s.Description)
	s.Instructions = strings.TrimSpace(markdownBody)
	fillBinsFromMetadata(&s)
	if s.Name == "" {
		return Skill{}, fmt.Errorf("missing skill name")
	}
	return s, nil
}

func extractFrontmatter(data []byte) (yamlBytes []byte, markdownBody string, err error) {
	s := string(data)
	if s == "" {
		return nil, "", nil
	}

	firstLineEnd := strings.IndexByte(s, '\n')
	firstLine := s
	restStart := len(s)
	if firstLineEnd >= 0 {
		firstLine = s[:firstLineEnd]
		restStart = firstLineEnd + 1
	}
	firstLine = strings.TrimSpace(strings.TrimSuffix(firstLine, "\r"))
	if firstLine != "---" {
		return nil, "", nil
	}

	i := restStart
	for i <= len(s) {
		nextNL := strings.IndexByte(s[i:], '\n')
		line := ""
		next := len(s)
		if nextNL >= 0 {
			line = s[i : i+nextNL]
			next = i + nextNL + 1
		} else {
			line = s[i:]
		}
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if trimmed == "---" {
			return []byte(s[restStart:i]), s[next:], nil
		}
		if next == len(s) {
			break
		}
		i = next
	}

	return nil, "", fmt.Errorf("unclosed frontmatter: opening --- found but no closing ---")
}

func fillBinsFromMetadata(s *Skill) {
	if s == nil || len(s.Bins) > 0 || len(s.Metadata) == 0 {
		return
	}
	ns, ok := s.Metadata["orchestrator"].(map[string]any)
	if !ok {
		return
	}
	requires, ok := ns["requires"].(map[string]any)
	if !ok {
		return
	}
	raw, ok := requires["bins"]
	if !ok || raw == nil {
		return
	}
	s.Bins = anyToStringSlice(raw)
}
