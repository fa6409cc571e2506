package main

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/pgbolt/internal/config"
	"github.com/ShayCichocki/pgbolt/internal/oracle"
	"github.com/ShayCichocki/pgbolt/internal/session"
	"github.com/ShayCichocki/pgbolt/internal/signature"
	"github.com/ShayCichocki/pgbolt/internal/state"
	"github.com/ShayCichocki/pgbolt/internal/transformer"
)

// app holds the collaborators one process shares across sessions.
type app struct {
	extractor *signature.Extractor
	oracle    *oracle.SQL
	archive   *state.DB
	runner    *session.Runner
	tracker   *transformer.TokenTracker
}

// buildApp validates c and wires transformer, oracle, archive and runner.
func buildApp(ctx context.Context, c *config.Config, logger *zap.Logger) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	rules, err := loadRules(c)
	if err != nil {
		return nil, err
	}
	a := &app{extractor: signature.NewExtractor(rules)}

	completer, tracker, err := newCompleter(ctx, c)
	if err != nil {
		return nil, err
	}
	a.tracker = tracker
	var tr session.Transformer = transformer.NewLLM(completer, a.extractor.Rules, logger.Named("transformer"))
	if c.Transformer.Rewrite {
		tr = transformer.NewRuleBased(tr, logger.Named("rewrite"))
	}

	a.oracle, err = oracle.Open(ctx, c.OracleConfig(), logger.Named("oracle"))
	if err != nil {
		return nil, err
	}

	opts := []session.Option{
		session.WithExtractor(a.extractor),
		session.WithLogger(logger.Named("session")),
	}
	if c.Store.Enabled {
		a.archive, err = state.OpenMigrated(c.StorePath(state.DefaultPath()))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open session archive: %w", err)
		}
		opts = append(opts, session.WithArchiver(a.archive))
	}

	a.runner = session.NewRunner(tr, a.oracle, c.SessionConfig(), opts...)
	return a, nil
}

// Close releases the oracle pool and the archive.
func (a *app) Close() {
	if a.oracle != nil {
		a.oracle.Close()
	}
	if a.archive != nil {
		a.archive.Close()
	}
}

// loadRules returns the configured rule file or the built-in rules.
func loadRules(c *config.Config) (*signature.RuleSet, error) {
	if c.Rules.Path == "" {
		return signature.DefaultRules(), nil
	}
	rules, err := signature.LoadRules(c.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return rules, nil
}

// newCompleter builds the completer for the configured provider.
func newCompleter(ctx context.Context, c *config.Config) (transformer.Completer, *transformer.TokenTracker, error) {
	t := c.Transformer
	switch t.Provider {
	case config.ProviderGemini:
		g, err := transformer.NewGeminiCompleter(ctx, transformer.GeminiConfig{
			APIKey:      c.Gemini.APIKey,
			Model:       t.Model,
			MaxTokens:   int32(t.MaxTokens),
			Temperature: float32(t.Temperature),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create gemini client: %w", err)
		}
		return g, g.Tracker(), nil
	default:
		ac, err := transformer.NewAnthropicCompleter(transformer.AnthropicConfig{
			Model:         anthropic.Model(t.Model),
			APIKey:        t.APIKey,
			MaxTokens:     int64(t.MaxTokens),
			Temperature:   t.Temperature,
			UseAWSBedrock: t.Bedrock.Enabled,
			AWSRegion:     t.Bedrock.Region,
			AWSProfile:    t.Bedrock.Profile,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create anthropic client: %w", err)
		}
		return ac, ac.Tracker(), nil
	}
}

// openArchive opens the session archive for read-only commands.
func openArchive(c *config.Config) (*state.DB, error) {
	db, err := state.OpenMigrated(c.StorePath(state.DefaultPath()))
	if err != nil {
		return nil, fmt.Errorf("open session archive: %w", err)
	}
	return db, nil
}
