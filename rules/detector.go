// Package rules evaluates Sigma rules against reportable connections.
// An observation matching any enabled rule is suppressed before delivery.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jnesss/connwatch/network"
)

const (
	enabledDir  = "enabled_rules"
	disabledDir = "disabled_rules"
)

var (
	ErrNoRulesDir   = errors.New("no rules directory configured")
	ErrRuleNotFound = errors.New("rule not found")
	ErrInvalidRule  = errors.New("invalid rule")
)

// fieldConfig maps Sigma network_connection fields onto observation fields
func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "connwatch",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":           {TargetNames: []string{"Image"}},
			"ProcessId":       {TargetNames: []string{"ProcessId"}},
			"DestinationIp":   {TargetNames: []string{"DestinationIp"}},
			"DestinationPort": {TargetNames: []string{"DestinationPort"}},
			"Protocol":        {TargetNames: []string{"Protocol"}},
		},
	}
}

// Detector holds the enabled rule set for one rules directory
type Detector struct {
	dir    string
	logger *zap.Logger

	mu         sync.RWMutex
	evaluators []*evaluator.RuleEvaluator // sorted by rule ID
}

// NewDetector loads every rule under dir/enabled_rules. Rules parked under
// dir/disabled_rules are listed but never evaluated. An empty dir gives a
// detector that matches nothing.
func NewDetector(dir string, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		dir:    dir,
		logger: logger.Named("rules"),
	}
	if dir == "" {
		return d, nil
	}

	for _, p := range []string{d.enabledPath(), d.disabledPath()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", p, err)
		}
	}
	if err := d.LoadRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return d, nil
}

func (d *Detector) enabledPath() string {
	return filepath.Join(d.dir, enabledDir)
}

func (d *Detector) disabledPath() string {
	return filepath.Join(d.dir, disabledDir)
}

func (d *Detector) pathFor(enabled bool) string {
	if enabled {
		return d.enabledPath()
	}
	return d.disabledPath()
}

// LoadRules replaces the rule set with the rule files currently on disk.
// Files that fail to parse are logged and skipped.
func (d *Detector) LoadRules() error {
	entries, err := os.ReadDir(d.enabledPath())
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var loaded []*evaluator.RuleEvaluator
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(d.enabledPath(), entry.Name())
		ev, err := loadRuleFile(path)
		if err != nil {
			d.logger.Warn("failed to load rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		if seen[ev.Rule.ID] {
			d.logger.Warn("duplicate rule id", zap.String("path", path), zap.String("id", ev.Rule.ID))
			continue
		}
		seen[ev.Rule.ID] = true
		loaded = append(loaded, ev)
		d.logger.Debug("loaded rule", zap.String("title", ev.Rule.Title), zap.String("id", ev.Rule.ID))
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Rule.ID < loaded[j].Rule.ID })

	d.mu.Lock()
	d.evaluators = loaded
	d.mu.Unlock()

	d.logger.Info("loaded suppression rules", zap.Int("count", len(loaded)), zap.String("dir", d.enabledPath()))
	return nil
}

func loadRuleFile(path string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", path)
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = filepath.Base(path)
	}

	return evaluator.ForRule(rule,
		evaluator.WithConfig(fieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	), nil
}

// RuleCount returns the number of enabled rules
func (d *Detector) RuleCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.evaluators)
}

// Match returns the ID of the first rule matching obs, in rule ID order
func (d *Detector) Match(ctx context.Context, obs network.Observation) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.evaluators) == 0 {
		return "", false
	}

	event := Event(obs)
	for _, ev := range d.evaluators {
		result, err := ev.Matches(ctx, event)
		if err != nil {
			d.logger.Debug("rule evaluation failed", zap.String("rule", ev.Rule.ID), zap.Error(err))
			continue
		}
		if result.Match {
			return ev.Rule.ID, true
		}
	}
	return "", false
}

// Event renders obs with Sigma network_connection field names
func Event(obs network.Observation) map[string]interface{} {
	protocol := "tcp"
	if obs.Kind == network.KindDatagram {
		protocol = "udp"
	}
	return map[string]interface{}{
		"Image":           obs.Comm,
		"ProcessId":       int64(obs.PID),
		"DestinationIp":   obs.Addr.String(),
		"DestinationPort": int64(obs.HostPort()),
		"Protocol":        protocol,
	}
}

// Watch reloads the rule set whenever a rule file changes, until ctx is done
func (d *Detector) Watch(ctx context.Context) error {
	if d.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.enabledPath()); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", d.enabledPath(), err)
	}
	d.logger.Info("watching rules directory", zap.String("dir", d.enabledPath()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.logger.Info("detected rule change", zap.String("path", event.Name), zap.String("op", event.Op.String()))
				if err := d.LoadRules(); err != nil {
					d.logger.Warn("failed to reload rules", zap.Error(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func isRuleFile(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}
