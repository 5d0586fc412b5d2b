package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Verification is the result of the second-opinion pass over a critical
// classification. Candidate is always the result that was verified; it is
// never replaced by the second opinion.
type Verification struct {
	Candidate     ClassificationResult
	SecondOpinion *ClassificationResult
	Outcome       VerificationOutcome
	Disagreement  bool
	Invocation    *Invocation
}

// EscalationPolicy decides when a verification is pushed to humans.
type EscalationPolicy string

const (
	EscalateNever                       EscalationPolicy = "never"
	EscalateOnDisagreement              EscalationPolicy = "disagreement"
	EscalateOnDisagreementOrUnavailable EscalationPolicy = "disagreement_or_unavailable"
)

func ParseEscalationPolicy(s string) (EscalationPolicy, error) {
	switch p := EscalationPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return EscalateNever, nil
	case EscalateNever, EscalateOnDisagreement, EscalateOnDisagreementOrUnavailable:
		return p, nil
	default:
		return "", fmt.Errorf("unknown escalation policy %q", s)
	}
}

func (p EscalationPolicy) shouldEscalate(o VerificationOutcome) bool {
	switch p {
	case EscalateOnDisagreement:
		return o == VerificationDisagreement
	case EscalateOnDisagreementOrUnavailable:
		return o == VerificationDisagreement || o == VerificationUnavailable
	}
	return false
}

// Escalation carries what a reviewer needs. It holds no free text from the
// request, only the content hash and the two classifications.
type Escalation struct {
	RecordID      uuid.UUID             `json:"record_id"`
	InputHash     string                `json:"input_hash"`
	Outcome       VerificationOutcome   `json:"outcome"`
	Candidate     ClassificationResult  `json:"candidate"`
	SecondOpinion *ClassificationResult `json:"second_opinion,omitempty"`
}

type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// Verifier runs the secondary classifier over critical results.
type Verifier struct {
	secondary  TextClassifier
	cfg        AdapterConfig
	policy     EscalationPolicy
	escalators []Escalator
	logger     zerolog.Logger
	now        func() time.Time
}

func NewVerifier(secondary TextClassifier, cfg AdapterConfig, policy EscalationPolicy, logger zerolog.Logger, escalators ...Escalator) *Verifier {
	if policy == "" {
		policy = EscalateNever
	}
	return &Verifier{
		secondary:  secondary,
		cfg:        cfg.withDefaults(),
		policy:     policy,
		escalators: escalators,
		logger:     logger.With().Str("component", "verifier").Logger(),
		now:        time.Now,
	}
}

// Required reports whether a candidate triggers verification.
func Required(candidate ClassificationResult) bool {
	return candidate.Priority == PriorityCritical
}

// Verify asks the secondary classifier for an independent opinion. When the
// secondary is missing or fails the outcome is unavailable and disagreement
// stays false: availability wins and the failure is left in the audit trail.
func (v *Verifier) Verify(ctx context.Context, candidate ClassificationResult, symptoms, history string) Verification {
	ver := Verification{Candidate: candidate, Outcome: VerificationNotRequired}
	if !Required(candidate) {
		return ver
	}
	if v == nil || v.secondary == nil {
		ver.Outcome = VerificationUnavailable
		return ver
	}

	inv, second, err := invoke(ctx, v.secondary, SourceSecondary, v.cfg, symptoms, history, v.now)
	ver.Invocation = &inv
	if err != nil {
		ver.Outcome = VerificationUnavailable
		v.logger.Warn().Err(err).Str("provider", inv.Provider).
			Msg("secondary classifier failed, critical result left unverified")
		return ver
	}

	ver.SecondOpinion = &second
	if second.Priority == PriorityCritical {
		ver.Outcome = VerificationConfirmed
		return ver
	}
	ver.Outcome = VerificationDisagreement
	ver.Disagreement = true
	v.logger.Warn().Str("second_priority", string(second.Priority)).
		Str("provider", inv.Provider).
		Msg("secondary classifier disagrees with critical result")
	return ver
}

// Escalates reports whether an outcome will be sent to reviewers.
func (v *Verifier) Escalates(o VerificationOutcome) bool {
	return v != nil && len(v.escalators) > 0 && v.policy.shouldEscalate(o)
}

// Escalate notifies every escalator if the policy asks for it. Escalator
// errors are logged and returned joined; they never affect the record.
func (v *Verifier) Escalate(ctx context.Context, e Escalation) error {
	if !v.Escalates(e.Outcome) {
		return nil
	}
	var errs []error
	for _, esc := range v.escalators {
		if err := esc.Escalate(ctx, e); err != nil {
			v.logger.Error().Err(err).Str("record_id", e.RecordID.String()).Msg("escalation failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
