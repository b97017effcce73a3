package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bradleyjkemp/sigma-go"
	"go.uber.org/zap"
)

// RuleInfo describes one rule file under the rules directory
type RuleInfo struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Level       string   `json:"level,omitempty"`
	Author      string   `json:"author,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Filename    string   `json:"filename"`
	Enabled     bool     `json:"enabled"`
	YAML        string   `json:"yaml,omitempty"`
}

func parseRuleInfo(filename string, content []byte, enabled bool) (RuleInfo, error) {
	if sigma.InferFileType(content) != sigma.RuleFile {
		return RuleInfo{}, fmt.Errorf("%w: %s is not a Sigma rule", ErrInvalidRule, filename)
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return RuleInfo{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	id := rule.ID
	if id == "" {
		id = filename
	}
	return RuleInfo{
		ID:          id,
		Title:       rule.Title,
		Description: rule.Description,
		Level:       rule.Level,
		Author:      rule.Author,
		Tags:        rule.Tags,
		Filename:    filename,
		Enabled:     enabled,
		YAML:        string(content),
	}, nil
}

func (d *Detector) readDir(enabled bool) ([]RuleInfo, error) {
	dir := d.pathFor(enabled)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []RuleInfo
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		info, err := parseRuleInfo(entry.Name(), content, enabled)
		if err != nil {
			d.logger.Debug("skipping unparseable rule", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ListRules returns the enabled rules followed by the disabled ones
func (d *Detector) ListRules() ([]RuleInfo, error) {
	if d.dir == "" {
		return []RuleInfo{}, nil
	}
	enabled, err := d.readDir(true)
	if err != nil {
		return nil, fmt.Errorf("failed to read enabled rules: %w", err)
	}
	disabled, err := d.readDir(false)
	if err != nil {
		return nil, fmt.Errorf("failed to read disabled rules: %w", err)
	}
	return append(append([]RuleInfo{}, enabled...), disabled...), nil
}

// ToggleRule moves the rule with the given ID between enabled_rules and
// disabled_rules and reloads the active set.
func (d *Detector) ToggleRule(id string) (RuleInfo, error) {
	if d.dir == "" {
		return RuleInfo{}, ErrNoRulesDir
	}
	all, err := d.ListRules()
	if err != nil {
		return RuleInfo{}, err
	}

	for _, info := range all {
		if info.ID != id {
			continue
		}
		from := filepath.Join(d.pathFor(info.Enabled), info.Filename)
		to := filepath.Join(d.pathFor(!info.Enabled), info.Filename)
		if _, err := os.Stat(to); err == nil {
			return RuleInfo{}, fmt.Errorf("rule file %s already exists in %s", info.Filename, filepath.Base(filepath.Dir(to)))
		}
		if err := os.Rename(from, to); err != nil {
			return RuleInfo{}, fmt.Errorf("failed to move rule file: %w", err)
		}
		info.Enabled = !info.Enabled
		d.logger.Info("toggled rule", zap.String("id", id), zap.Bool("enabled", info.Enabled))

		if err := d.LoadRules(); err != nil {
			return RuleInfo{}, fmt.Errorf("failed to reload rules: %w", err)
		}
		return info, nil
	}
	return RuleInfo{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// AddRule validates content as a Sigma rule and writes it under the enabled
// or disabled directory. filename must be a bare .yml or .yaml name.
func (d *Detector) AddRule(filename string, content []byte, enabled bool) (RuleInfo, error) {
	if d.dir == "" {
		return RuleInfo{}, ErrNoRulesDir
	}
	if filename == "" || filepath.Base(filename) != filename || !isRuleFile(filename) {
		return RuleInfo{}, fmt.Errorf("%w: filename must be a bare .yml or .yaml name", ErrInvalidRule)
	}
	info, err := parseRuleInfo(filename, content, enabled)
	if err != nil {
		return RuleInfo{}, err
	}

	dir := d.pathFor(enabled)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return RuleInfo{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), content, 0o644); err != nil {
		return RuleInfo{}, fmt.Errorf("failed to write rule file: %w", err)
	}
	d.logger.Info("added rule", zap.String("id", info.ID), zap.String("file", filename), zap.Bool("enabled", enabled))

	if enabled {
		if err := d.LoadRules(); err != nil {
			return RuleInfo{}, fmt.Errorf("failed to reload rules: %w", err)
		}
	}
	return info, nil
}
