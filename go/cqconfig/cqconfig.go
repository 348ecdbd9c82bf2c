// Package cqconfig parses a project's COMMIT-QUEUE.ini file.
package cqconfig

import (
	"strings"

	"gopkg.in/ini.v1"
)

// ProjectConfig is the per-project GENERAL section of COMMIT-QUEUE.ini.
type ProjectConfig struct {
	// IgnoredStages are stage-name prefixes SuspectAnalyzer should not
	// blame this project's changes for.
	IgnoredStages []string
	// SubmitInPreCQ opts the project into auto-submit after a successful
	// pre-CQ dry run (HandlePreCQSuccess).
	SubmitInPreCQ bool
}

// Ignores reports whether stage is covered by one of c's ignored-stages
// prefixes.
func (c ProjectConfig) Ignores(stage string) bool {
	for _, prefix := range c.IgnoredStages {
		if strings.HasPrefix(stage, prefix) {
			return true
		}
	}
	return false
}

// Parse reads a COMMIT-QUEUE.ini file's contents.
func Parse(data []byte) (ProjectConfig, error) {
	f, err := ini.Load(data)
	if err != nil {
		return ProjectConfig{}, err
	}
	section := f.Section("GENERAL")
	cfg := ProjectConfig{
		SubmitInPreCQ: strings.EqualFold(section.Key("submit-in-pre-cq").String(), "yes"),
	}
	if raw := section.Key("ignored-stages").String(); raw != "" {
		cfg.IgnoredStages = strings.Fields(raw)
	}
	return cfg, nil
}
