package cfw

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// funcLoader adapts a function to the RuleLoader interface.
type funcLoader func(ctx context.Context) ([]Rule, error)

func (f funcLoader) Load(ctx context.Context) ([]Rule, error) { return f(ctx) }

func TestNewRuleSet(t *testing.T) {
	rules := []Rule{
		{Category: CategoryProtocol, Label: "p", Pattern: `^X`, Weight: 0.9},
		{Category: CategoryThreat, Label: "t", Pattern: `evil`, Weight: 0.8, Risk: "high"},
		{Category: CategoryLLM, Label: "l", Pattern: `model`, Weight: 0.7, Provider: "openai"},
	}

	rs, err := NewRuleSet(rules)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	if rs.Count() != 3 {
		t.Errorf("Count = %d, want 3", rs.Count())
	}
	if len(rs.protocol) != 1 || len(rs.threat) != 1 || len(rs.llm) != 1 {
		t.Errorf("grouping: protocol=%d threat=%d llm=%d",
			len(rs.protocol), len(rs.threat), len(rs.llm))
	}
}

func TestNewRuleSet_BadPatternFailsWholeLoad(t *testing.T) {
	rules := []Rule{
		{Category: CategoryThreat, Label: "good", Pattern: `ok`, Weight: 0.8},
		{Category: CategoryThreat, Label: "broken", Pattern: `(unclosed`, Weight: 0.8},
	}

	rs, err := NewRuleSet(rules)
	if err == nil {
		t.Fatal("expected compile error")
	}
	if rs != nil {
		t.Error("expected nil set on error")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error should name the rule: %v", err)
	}
}

func TestNewRuleSet_UnknownCategory(t *testing.T) {
	_, err := NewRuleSet([]Rule{{Category: "bogus", Label: "x", Pattern: `x`}})
	if err == nil || !strings.Contains(err.Error(), "unknown category") {
		t.Errorf("err = %v, want unknown category", err)
	}
}

func TestNewRuleSet_WeightDefaults(t *testing.T) {
	rules := []Rule{
		{Category: CategoryThreat, Label: "zero", Pattern: `a`},
		{Category: CategoryThreat, Label: "toobig", Pattern: `b`, Weight: 1.5},
		{Category: CategoryThreat, Label: "kept", Pattern: `c`, Weight: 0.9},
	}

	rs, err := NewRuleSet(rules)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	got := map[string]float64{}
	for _, r := range rs.Rules() {
		got[r.Label] = r.Weight
	}
	if got["zero"] != 0.5 || got["toobig"] != 0.5 {
		t.Errorf("out-of-range weights not defaulted: %v", got)
	}
	if got["kept"] != 0.9 {
		t.Errorf("valid weight changed: %v", got["kept"])
	}

	// Compilation must not mutate the caller's slice.
	if rules[0].Weight != 0 {
		t.Errorf("caller slice mutated: %v", rules[0].Weight)
	}
}

func TestDefaultRuleSet(t *testing.T) {
	rs := DefaultRuleSet()
	if rs.Count() == 0 {
		t.Fatal("empty default catalog")
	}

	seen := map[Category]bool{}
	for _, r := range rs.Rules() {
		seen[r.Category] = true
	}
	for _, c := range []Category{CategoryProtocol, CategoryThreat, CategoryLLM} {
		if !seen[c] {
			t.Errorf("no %s rules in default catalog", c)
		}
	}
}

func TestStaticLoader(t *testing.T) {
	l := &StaticLoader{Rules: []Rule{{Category: CategoryThreat, Label: "x", Pattern: `x`}}}
	rules, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rules) != 1 || rules[0].Label != "x" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")

	custom := []Rule{{Category: CategoryThreat, Label: "test_marker", Pattern: `MARKER-\d+`, Weight: 0.9, Risk: "high"}}
	data, err := json.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Run("plain", func(t *testing.T) {
		l := &FileLoader{Path: path}
		rules, err := l.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(rules) != 1 || rules[0].Label != "test_marker" {
			t.Errorf("rules = %+v", rules)
		}
	})

	t.Run("include defaults", func(t *testing.T) {
		l := &FileLoader{Path: path, IncludeDefaults: true}
		rules, err := l.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if want := len(DefaultRules()) + 1; len(rules) != want {
			t.Errorf("got %d rules, want %d", len(rules), want)
		}
		// File rules come after the catalog so they can see defaults win ties.
		if last := rules[len(rules)-1]; last.Label != "test_marker" {
			t.Errorf("last rule = %q", last.Label)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		l := &FileLoader{Path: filepath.Join(dir, "nope.json")}
		if _, err := l.Load(context.Background()); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("bad json", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		l := &FileLoader{Path: bad}
		if _, err := l.Load(context.Background()); err == nil {
			t.Error("expected error")
		}
	})
}

func TestMultiLoader(t *testing.T) {
	a := &StaticLoader{Rules: []Rule{{Category: CategoryThreat, Label: "a", Pattern: `a`}}}
	b := &StaticLoader{Rules: []Rule{{Category: CategoryThreat, Label: "b", Pattern: `b`}}}

	rules, err := (&MultiLoader{Loaders: []RuleLoader{a, b}}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rules) != 2 || rules[0].Label != "a" || rules[1].Label != "b" {
		t.Errorf("rules = %+v", rules)
	}

	failing := funcLoader(func(context.Context) ([]Rule, error) {
		return nil, os.ErrNotExist
	})
	if _, err := (&MultiLoader{Loaders: []RuleLoader{a, failing}}).Load(context.Background()); err == nil {
		t.Error("expected error from failing loader")
	}
}

func TestReloadableRules(t *testing.T) {
	loader := &StaticLoader{Rules: []Rule{
		{Category: CategoryThreat, Label: "only", Pattern: `only`, Weight: 0.9},
	}}
	r := NewReloadableRules(loader)

	// Seeded with the built-in catalog before the first load.
	if r.Count() != len(DefaultRules()) {
		t.Errorf("seed Count = %d, want %d", r.Count(), len(DefaultRules()))
	}

	var reloaded atomic.Int32
	r.OnReload = func(count int) { reloaded.Store(int32(count)) }

	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count after load = %d, want 1", r.Count())
	}
	if reloaded.Load() != 1 {
		t.Errorf("OnReload count = %d, want 1", reloaded.Load())
	}
}

func TestReloadableRules_FailedLoadKeepsPrevious(t *testing.T) {
	loader := &StaticLoader{Rules: []Rule{
		{Category: CategoryThreat, Label: "v1", Pattern: `v1`, Weight: 0.9},
	}}
	r := NewReloadableRules(loader)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	before := r.Current()

	var loadErr atomic.Value
	r.OnError = func(err error) { loadErr.Store(err.Error()) }

	tests := []struct {
		name  string
		rules []Rule
		err   error
	}{
		{"loader error", nil, os.ErrPermission},
		{"bad pattern", []Rule{{Category: CategoryThreat, Label: "bad", Pattern: `(`}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.loader = funcLoader(func(context.Context) ([]Rule, error) {
				return tt.rules, tt.err
			})
			if err := r.Load(context.Background()); err == nil {
				t.Fatal("expected load error")
			}
			if r.Current() != before {
				t.Error("failed load replaced the active set")
			}
			if loadErr.Load() == nil {
				t.Error("OnError not called")
			}
		})
	}
}

func TestReloadableRules_AutoReload(t *testing.T) {
	var n atomic.Int32
	loader := funcLoader(func(context.Context) ([]Rule, error) {
		count := int(n.Add(1))
		rules := make([]Rule, count)
		for i := range rules {
			rules[i] = Rule{Category: CategoryThreat, Label: "r", Pattern: `r`, Weight: 0.9}
		}
		return rules, nil
	})

	r := NewReloadableRules(loader)
	cancel := r.StartAutoReload(context.Background(), 20*time.Millisecond)
	defer cancel()

	deadline := time.Now().Add(3 * time.Second)
	for r.Count() == len(DefaultRules()) || r.Count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no auto-reload observed, Count = %d", r.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReloadableRules_WatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")

	writeRules := func(labels ...string) {
		t.Helper()
		rules := make([]Rule, len(labels))
		for i, l := range labels {
			rules[i] = Rule{Category: CategoryThreat, Label: l, Pattern: l, Weight: 0.9}
		}
		data, err := json.Marshal(rules)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	writeRules("one")
	r := NewReloadableRules(&FileLoader{Path: path})
	r.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	cancel, err := r.WatchFile(context.Background(), path)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer cancel()

	writeRules("one", "two")

	deadline := time.Now().Add(5 * time.Second)
	for r.Count() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watched reload never happened, Count = %d", r.Count())
		}
		time.Sleep(25 * time.Millisecond)
	}
}
