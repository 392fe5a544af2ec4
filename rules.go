package cfw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Category is a detection rule family. A chunk may classify under several
// categories at once.
type Category string

const (
	CategoryProtocol Category = "protocol"
	CategoryThreat   Category = "threat"
	CategoryLLM      Category = "llm"
)

// Rule is one detection signature. Rules are immutable once compiled into
// a RuleSet; matching never mutates them.
type Rule struct {
	// Category selects which detector evaluates the rule.
	Category Category `json:"category"`

	// Label names what matched, e.g. "http", "sql_injection",
	// "openai_api". Labels group rules: the llm confidence bonus counts
	// matches across rules sharing a label.
	Label string `json:"label"`

	// Pattern is the regular expression. Byte-oriented; use (?i) and
	// (?s) flags inline where needed.
	Pattern string `json:"pattern"`

	// Weight is the category-specific base confidence contributed by a
	// match, in [0,1].
	Weight float64 `json:"weight"`

	// Provider tags llm rules with the AI provider they indicate.
	Provider string `json:"provider,omitempty"`

	// Risk applies to threat rules: "low", "medium", "high", "critical".
	Risk string `json:"risk,omitempty"`

	re *regexp.Regexp
}

// compile validates the rule and prepares it for matching.
func (r *Rule) compile() error {
	if r.Pattern == "" {
		return fmt.Errorf("rule %q: empty pattern", r.Label)
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Label, err)
	}
	r.re = re
	if r.Weight <= 0 || r.Weight > 1 {
		r.Weight = 0.5
	}
	return nil
}

// RuleSet is an immutable compiled collection of detection rules, grouped
// by category. Matching is lock-free; swapping in a new set is done
// atomically by the holder.
type RuleSet struct {
	protocol []*Rule
	threat   []*Rule
	llm      []*Rule
}

// NewRuleSet compiles rules into an immutable set. A single bad pattern
// fails the whole load; detection rules are configuration, and half a
// rule set is worse than the previous one.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	for i := range rules {
		r := rules[i]
		if err := r.compile(); err != nil {
			return nil, err
		}
		switch r.Category {
		case CategoryProtocol:
			rs.protocol = append(rs.protocol, &r)
		case CategoryThreat:
			rs.threat = append(rs.threat, &r)
		case CategoryLLM:
			rs.llm = append(rs.llm, &r)
		default:
			return nil, fmt.Errorf("rule %q: unknown category %q", r.Label, r.Category)
		}
	}
	return rs, nil
}

// Count returns the number of rules in the set.
func (rs *RuleSet) Count() int {
	return len(rs.protocol) + len(rs.threat) + len(rs.llm)
}

// Rules returns a copy of all rules for inspection.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, 0, rs.Count())
	for _, group := range [][]*Rule{rs.protocol, rs.threat, rs.llm} {
		for _, r := range group {
			out = append(out, *r)
		}
	}
	return out
}

// DefaultRules returns the built-in detection catalog.
func DefaultRules() []Rule {
	return []Rule{
		// Protocol markers. Structural matches carry high weight.
		{Category: CategoryProtocol, Label: "http", Pattern: `(?i)(GET|POST|PUT|DELETE|HEAD|OPTIONS|PATCH)\s+\S+\s+HTTP/1\.[01]`, Weight: 0.95},
		{Category: CategoryProtocol, Label: "tls", Pattern: `^\x16\x03[\x00-\x03]`, Weight: 0.95},
		{Category: CategoryProtocol, Label: "tls", Pattern: `^\x15\x03[\x00-\x03]`, Weight: 0.90},
		{Category: CategoryProtocol, Label: "tls", Pattern: `^\x17\x03[\x00-\x03]`, Weight: 0.90},
		{Category: CategoryProtocol, Label: "ftp", Pattern: `(?i)^220[ -].*FTP`, Weight: 0.90},
		{Category: CategoryProtocol, Label: "ftp", Pattern: `(?i)^(USER|PASS)\s+\S+`, Weight: 0.80},
		{Category: CategoryProtocol, Label: "smtp", Pattern: `(?i)^220[ -].*SMTP`, Weight: 0.90},
		{Category: CategoryProtocol, Label: "smtp", Pattern: `(?i)^(HELO|EHLO)\s+|MAIL FROM:|RCPT TO:`, Weight: 0.85},
		{Category: CategoryProtocol, Label: "ssh", Pattern: `^SSH-\d\.\d-`, Weight: 0.95},
		{Category: CategoryProtocol, Label: "dns", Pattern: `\x01\x00\x00\x01\x00\x00\x00\x00\x00\x00`, Weight: 0.75},

		// Threat signatures.
		{Category: CategoryThreat, Label: "sql_injection", Pattern: `(?i)(union\s+select|select\s+.*from|insert\s+into|update\s+.*set|delete\s+from)`, Weight: 0.85, Risk: "high"},
		{Category: CategoryThreat, Label: "sql_injection", Pattern: `(?i)('\s*or\s*'\s*=\s*'|'\s*or\s*1\s*=\s*1)`, Weight: 0.85, Risk: "high"},
		{Category: CategoryThreat, Label: "sql_injection", Pattern: `(?i)(drop\s+table|drop\s+database)`, Weight: 0.85, Risk: "high"},
		{Category: CategoryThreat, Label: "xss", Pattern: `(?is)<script[^>]*>.*?</script>`, Weight: 0.75, Risk: "medium"},
		{Category: CategoryThreat, Label: "xss", Pattern: `(?i)javascript:`, Weight: 0.72, Risk: "medium"},
		{Category: CategoryThreat, Label: "xss", Pattern: `(?i)on\w+\s*=\s*["'].*?["']`, Weight: 0.72, Risk: "medium"},
		{Category: CategoryThreat, Label: "malware_signatures", Pattern: `X5O!P%@AP\[4\\PZX54\(P\^\)7CC\)7\}\$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!\$H\+H\*`, Weight: 0.98, Risk: "critical"},
		{Category: CategoryThreat, Label: "malware_signatures", Pattern: `(?i)wannacry|petya|ransomware`, Weight: 0.90, Risk: "critical"},
		{Category: CategoryThreat, Label: "malware_signatures", Pattern: `(?i)metasploit|meterpreter`, Weight: 0.90, Risk: "critical"},
		{Category: CategoryThreat, Label: "suspicious_commands", Pattern: `(?i)(cmd\.exe|powershell\.exe|/bin/sh|/bin/bash)\s+`, Weight: 0.80, Risk: "high"},
		{Category: CategoryThreat, Label: "suspicious_commands", Pattern: `(?i)(wget|curl|nc|netcat)\s+-`, Weight: 0.78, Risk: "high"},
		{Category: CategoryThreat, Label: "suspicious_commands", Pattern: `(?i)(base64|certutil)\s+-`, Weight: 0.75, Risk: "high"},

		// LLM API indicators, grouped by provider.
		{Category: CategoryLLM, Label: "openai_api", Pattern: `(?i)api\.openai\.com`, Weight: 0.95, Provider: "openai"},
		{Category: CategoryLLM, Label: "openai_api", Pattern: `(?i)Bearer\s+sk-[a-zA-Z0-9]{20,}`, Weight: 0.95, Provider: "openai"},
		{Category: CategoryLLM, Label: "openai_api", Pattern: `(?i)"model"\s*:\s*"(gpt-|o[0-9]-)`, Weight: 0.95, Provider: "openai"},
		{Category: CategoryLLM, Label: "openai_api", Pattern: `(?i)/v1/(chat/)?completions`, Weight: 0.95, Provider: "openai"},
		{Category: CategoryLLM, Label: "openai_api", Pattern: `(?i)/v1/embeddings`, Weight: 0.95, Provider: "openai"},
		{Category: CategoryLLM, Label: "anthropic_api", Pattern: `(?i)api\.anthropic\.com`, Weight: 0.95, Provider: "anthropic"},
		{Category: CategoryLLM, Label: "anthropic_api", Pattern: `(?i)x-api-key\s*:\s*sk-ant-`, Weight: 0.95, Provider: "anthropic"},
		{Category: CategoryLLM, Label: "anthropic_api", Pattern: `(?i)"model"\s*:\s*"claude-`, Weight: 0.95, Provider: "anthropic"},
		{Category: CategoryLLM, Label: "anthropic_api", Pattern: `(?i)/v1/messages`, Weight: 0.95, Provider: "anthropic"},
		{Category: CategoryLLM, Label: "google_ai", Pattern: `(?i)generativelanguage\.googleapis\.com`, Weight: 0.90, Provider: "google"},
		{Category: CategoryLLM, Label: "google_ai", Pattern: `(?i)"model"\s*:\s*"gemini-`, Weight: 0.90, Provider: "google"},
		{Category: CategoryLLM, Label: "google_ai", Pattern: `(?i)/v1beta/models/`, Weight: 0.90, Provider: "google"},
		{Category: CategoryLLM, Label: "local_llm", Pattern: `(?i)ollama|llamacpp|text-generation-webui`, Weight: 0.80, Provider: "local"},
		{Category: CategoryLLM, Label: "local_llm", Pattern: `(?i)localhost:[0-9]{4,5}/(api|v1)`, Weight: 0.80, Provider: "local"},
		{Category: CategoryLLM, Label: "ai_content", Pattern: `(?is)"prompt"\s*:\s*"`, Weight: 0.70, Provider: "unknown"},
		{Category: CategoryLLM, Label: "ai_content", Pattern: `(?i)"messages"\s*:\s*\[`, Weight: 0.70, Provider: "unknown"},
		{Category: CategoryLLM, Label: "ai_content", Pattern: `(?i)"role"\s*:\s*"(user|assistant|system)"`, Weight: 0.70, Provider: "unknown"},
		{Category: CategoryLLM, Label: "ai_content", Pattern: `(?i)"temperature"\s*:\s*[0-9.]+`, Weight: 0.70, Provider: "unknown"},
	}
}

// DefaultRuleSet compiles the built-in catalog. The catalog is known-good;
// a compile failure here is a programming error.
func DefaultRuleSet() *RuleSet {
	rs, err := NewRuleSet(DefaultRules())
	if err != nil {
		panic("cfw: built-in rules failed to compile: " + err.Error())
	}
	return rs
}

// RuleProvider hands the classifier its current rule set. Implementations
// must make Current safe for concurrent use.
type RuleProvider interface {
	Current() *RuleSet
}

// StaticRules is a RuleProvider that never changes.
type StaticRules struct {
	rs *RuleSet
}

// NewStaticRules wraps a fixed rule set.
func NewStaticRules(rs *RuleSet) *StaticRules { return &StaticRules{rs: rs} }

// Current implements RuleProvider.
func (s *StaticRules) Current() *RuleSet { return s.rs }

// RuleLoader loads detection rules from some source.
type RuleLoader interface {
	Load(ctx context.Context) ([]Rule, error)
}

// StaticLoader returns a fixed set of rules.
type StaticLoader struct {
	Rules []Rule
}

// Load implements RuleLoader.
func (l *StaticLoader) Load(_ context.Context) ([]Rule, error) {
	return l.Rules, nil
}

// FileLoader loads rules from a JSON file containing an array of Rule
// objects. When IncludeDefaults is set the built-in catalog is prepended,
// so a rule file extends rather than replaces it.
type FileLoader struct {
	Path            string
	IncludeDefaults bool
}

// Load implements RuleLoader.
func (l *FileLoader) Load(_ context.Context) ([]Rule, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", l.Path, err)
	}
	if l.IncludeDefaults {
		rules = append(DefaultRules(), rules...)
	}
	return rules, nil
}

// MultiLoader concatenates rules from several loaders.
type MultiLoader struct {
	Loaders []RuleLoader
}

// Load implements RuleLoader.
func (l *MultiLoader) Load(ctx context.Context) ([]Rule, error) {
	var all []Rule
	for _, loader := range l.Loaders {
		rules, err := loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, rules...)
	}
	return all, nil
}

// ReloadableRules wraps a loader behind an atomically swapped rule set so
// detection rules can be reloaded without restarting or pausing matching.
// A failed reload keeps the previous set active.
type ReloadableRules struct {
	// Logger for reload events. Defaults to slog.Default().
	Logger *slog.Logger

	// OnReload is called after a successful reload with the rule count.
	OnReload func(count int)

	// OnError is called when a reload fails.
	OnError func(err error)

	loader  RuleLoader
	current atomic.Pointer[RuleSet]
}

// NewReloadableRules creates a ReloadableRules seeded with the built-in
// catalog. Call Load to replace it from the loader.
func NewReloadableRules(loader RuleLoader) *ReloadableRules {
	r := &ReloadableRules{loader: loader}
	r.current.Store(DefaultRuleSet())
	return r
}

// Current implements RuleProvider.
func (r *ReloadableRules) Current() *RuleSet { return r.current.Load() }

// Count returns the number of rules in the active set.
func (r *ReloadableRules) Count() int { return r.Current().Count() }

// Load fetches rules from the loader, compiles them, and swaps them in.
func (r *ReloadableRules) Load(ctx context.Context) error {
	rules, err := r.loader.Load(ctx)
	if err != nil {
		if r.OnError != nil {
			r.OnError(err)
		}
		return err
	}
	rs, err := NewRuleSet(rules)
	if err != nil {
		if r.OnError != nil {
			r.OnError(err)
		}
		return err
	}
	r.current.Store(rs)
	if r.OnReload != nil {
		r.OnReload(rs.Count())
	}
	return nil
}

// StartAutoReload reloads on a fixed interval until the returned cancel
// function is called. Reload failures are logged and the previous rules
// stay active.
func (r *ReloadableRules) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Load(ctx); err != nil {
					r.logger().Warn("rule auto-reload failed", "error", err)
				}
			}
		}
	}()

	return cancel
}

// WatchFile reloads when the given file changes on disk. Editors that
// replace files via rename are handled by watching the parent directory.
func (r *ReloadableRules) WatchFile(ctx context.Context, path string) (context.CancelFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		// Debounce: editors fire several events per save.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger().Warn("rule file watch error", "error", err)
			case <-pending:
				pending = nil
				if err := r.Load(ctx); err != nil {
					r.logger().Warn("rule reload on file change failed", "path", path, "error", err)
				} else {
					r.logger().Info("rules reloaded on file change", "path", path, "count", r.Count())
				}
			}
		}
	}()

	return cancel, nil
}

func (r *ReloadableRules) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
