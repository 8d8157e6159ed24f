// Package reply implements the exact-match auto reply handler.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/transport"
	"gopkg.in/yaml.v3"
)

// Rule maps a trigger phrase to a reply. Matching ignores case and
// surrounding whitespace.
type Rule struct {
	Match string `yaml:"match"`
	Reply string `yaml:"reply"`
}

// RulesFile is the on-disk layout of REPLY_RULES_PATH.
type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules answers a greeting.
var DefaultRules = []Rule{{Match: "hi", Reply: "Hello!"}}

// Rules is a Handler backed by an exact-match table.
type Rules struct {
	table  map[string]string
	logger *slog.Logger
}

// New builds a rule table. Duplicate triggers are rejected.
func New(rules []Rule, logger *slog.Logger) (*Rules, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(rules) == 0 {
		return nil, errors.New("at least one reply rule is required")
	}
	table := make(map[string]string, len(rules))
	for i, r := range rules {
		key := normalize(r.Match)
		if key == "" {
			return nil, fmt.Errorf("rule %d: match is empty", i)
		}
		if r.Reply == "" {
			return nil, fmt.Errorf("rule %d (%q): reply is empty", i, r.Match)
		}
		if _, dup := table[key]; dup {
			return nil, fmt.Errorf("rule %d: duplicate match %q", i, r.Match)
		}
		table[key] = r.Reply
	}
	return &Rules{table: table, logger: logger}, nil
}

// LoadRules reads a YAML rule file. An empty path yields DefaultRules.
func LoadRules(path string, logger *slog.Logger) (*Rules, error) {
	if path == "" {
		return New(DefaultRules, logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reply rules: %w", err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse reply rules %s: %w", path, err)
	}
	rules, err := New(file.Rules, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid reply rules %s: %w", path, err)
	}
	return rules, nil
}

// Lookup returns the reply for text, if any.
func (r *Rules) Lookup(text string) (string, bool) {
	reply, ok := r.table[normalize(text)]
	return reply, ok
}

// Handle sends the matching reply to the message's sender. Unmatched messages
// are left unanswered.
func (r *Rules) Handle(ctx context.Context, msg domain.InboundMessage, sender transport.Sender) error {
	reply, ok := r.Lookup(msg.Text())
	if !ok {
		r.logger.Debug("No reply rule matched", "sender", msg.From)
		return nil
	}
	if err := sender.SendText(ctx, msg.From, reply); err != nil {
		return fmt.Errorf("reply to %s: %w", msg.From, err)
	}
	r.logger.Info("Reply sent", "to", msg.From, "rule", normalize(msg.Text()))
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
