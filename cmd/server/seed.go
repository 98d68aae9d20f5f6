package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

type seedFile struct {
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	Name    string       `yaml:"name"`
	Enabled *bool        `yaml:"enabled"`
	Match   seedMatch    `yaml:"match"`
	Actions []seedAction `yaml:"actions"`
}

type seedMatch struct {
	Source *string `yaml:"source"`
	Type   *string `yaml:"type"`
}

type seedAction struct {
	Kind   string         `yaml:"kind"`
	Config map[string]any `yaml:"config"`
}

// seedRulesFromYAML inserts the rules declared in the YAML file, skipping any
// rule whose name already exists so restarts do not duplicate them.
func seedRulesFromYAML(ctx domain.Context, rules domain.RuleStore, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("seed file not found: %s", path)
		}
		return err
	}
	var doc seedFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}
	if len(doc.Rules) == 0 {
		return fmt.Errorf("no rules to seed in %s", path)
	}

	existing, err := rules.List(ctx, nil)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, r := range existing {
		known[r.Name] = true
	}

	var created int
	for _, sr := range doc.Rules {
		name := strings.TrimSpace(sr.Name)
		if name == "" {
			return fmt.Errorf("seed rule without a name in %s", path)
		}
		if known[name] {
			continue
		}
		r := domain.Rule{
			Name:    name,
			Enabled: sr.Enabled == nil || *sr.Enabled,
			Match:   domain.RuleMatch{Source: sr.Match.Source, Type: sr.Match.Type},
		}
		for i, sa := range sr.Actions {
			kind := domain.ActionKind(strings.ToUpper(strings.TrimSpace(sa.Kind)))
			if kind != domain.KindEmail && kind != domain.KindWebhook {
				return fmt.Errorf("seed rule %q: unknown action kind %q", name, sa.Kind)
			}
			r.Actions = append(r.Actions, domain.RuleAction{
				Kind:    kind,
				Config:  sa.Config,
				OrderNo: i,
			})
		}
		if len(r.Actions) == 0 {
			return fmt.Errorf("seed rule %q has no actions", name)
		}
		id, err := rules.Create(ctx, r)
		if err != nil {
			return fmt.Errorf("seed rule %q: %w", name, err)
		}
		slog.Info("seeded rule", slog.String("rule_id", id), slog.String("name", name))
		created++
	}
	slog.Info("rules seed applied", slog.String("path", path), slog.Int("created", created), slog.Int("skipped", len(doc.Rules)-created))
	return nil
}
