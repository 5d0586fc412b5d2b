package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/llm"
)

// TextClassifier is a remote model that answers one prompt per call.
// Implementations live in internal/platform/llm.
type TextClassifier interface {
	Name() string
	Invoke(ctx context.Context, req llm.Request) (string, error)
}

const (
	DefaultClassifierTimeout = 20 * time.Second
	DefaultTemperature       = 0.2
	DefaultMaxTokens         = 512
)

type AdapterConfig struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

func (c AdapterConfig) withDefaults() AdapterConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultClassifierTimeout
	}
	if c.Temperature < 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// Outcome is what the adapter hands the orchestrator: the result it settled
// on plus every invocation made to get there.
type Outcome struct {
	Result      ClassificationResult
	Invocations []Invocation
	FellBack    bool
}

// Adapter runs the primary classifier once and falls back to the rule
// engine on any failure. It never retries.
type Adapter struct {
	primary TextClassifier
	rules   *RuleEngine
	cfg     AdapterConfig
	logger  zerolog.Logger
	now     func() time.Time
}

func NewAdapter(primary TextClassifier, rules *RuleEngine, cfg AdapterConfig, logger zerolog.Logger) *Adapter {
	if rules == nil {
		rules = NewRuleEngine(nil)
	}
	return &Adapter{
		primary: primary,
		rules:   rules,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "classifier").Logger(),
		now:     time.Now,
	}
}

func (a *Adapter) Classify(ctx context.Context, symptoms, history string) Outcome {
	var out Outcome
	if a.primary != nil {
		inv, res, err := invoke(ctx, a.primary, SourcePrimary, a.cfg, symptoms, history, a.now)
		out.Invocations = append(out.Invocations, inv)
		if err == nil {
			out.Result = res
			return out
		}
		a.logger.Warn().Err(err).Str("provider", inv.Provider).
			Dur("latency", inv.Latency).Msg("primary classifier failed, using rule engine")
	}

	start := a.now()
	res := a.rules.Classify(symptoms, history)
	out.Invocations = append(out.Invocations, Invocation{
		Source:   SourceRuleBased,
		Provider: "keyword-rules",
		Result:   &res,
		Latency:  a.now().Sub(start),
	})
	out.Result = res
	out.FellBack = a.primary != nil
	return out
}

// invoke makes exactly one bounded remote call and parses its answer. A
// panic inside the classifier is turned into an error like any other
// failure.
func invoke(ctx context.Context, c TextClassifier, source Source, cfg AdapterConfig, symptoms, history string, now func() time.Time) (inv Invocation, res ClassificationResult, err error) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := now()
	inv = Invocation{Source: source, Provider: providerName(c)}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classifier panic: %v", r)
			res = ClassificationResult{}
			inv.Result = nil
			inv.Error = err.Error()
			inv.Latency = now().Sub(start)
		}
	}()

	raw, err := c.Invoke(callCtx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(symptoms, history),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	inv.Latency = now().Sub(start)
	if err != nil {
		inv.Error = err.Error()
		return inv, ClassificationResult{}, err
	}
	res, err = parseResponse(raw, source)
	if err != nil {
		inv.Error = err.Error()
		return inv, ClassificationResult{}, err
	}
	inv.Result = &res
	return inv, res, nil
}

func providerName(c TextClassifier) (name string) {
	defer func() {
		if recover() != nil {
			name = "unknown"
		}
	}()
	return c.Name()
}
