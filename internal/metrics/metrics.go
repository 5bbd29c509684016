package metrics

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder owns the counters emitted by the verification flows. With a
// no-op meter provider every Record call is a cheap no-op, so callers
// never branch on telemetry being configured.
type Recorder struct {
	pushChallengeAttempts metric.Int64Counter
	pushSends             metric.Int64Counter
	captchaAttempts       metric.Int64Counter
	codeRequests          metric.Int64Counter
	verifications         metric.Int64Counter
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	pushChallengeAttempts, err := meter.Int64Counter(
		"verification.push_challenge.attempts",
		metric.WithDescription("Push challenge responses judged, by presence and match outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("create push challenge counter: %w", err)
	}

	pushSends, err := meter.Int64Counter(
		"verification.push.sends",
		metric.WithDescription("Push challenge deliveries attempted, by outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("create push send counter: %w", err)
	}

	captchaAttempts, err := meter.Int64Counter(
		"verification.captcha.attempts",
		metric.WithDescription("Captcha tokens assessed."),
	)
	if err != nil {
		return nil, fmt.Errorf("create captcha counter: %w", err)
	}

	codeRequests, err := meter.Int64Counter(
		"verification.code.requests",
		metric.WithDescription("Verification codes requested from the registration authority."),
	)
	if err != nil {
		return nil, fmt.Errorf("create code request counter: %w", err)
	}

	verifications, err := meter.Int64Counter(
		"verification.verifications",
		metric.WithDescription("Verification code checks judged by the registration authority."),
	)
	if err != nil {
		return nil, fmt.Errorf("create verification counter: %w", err)
	}

	return &Recorder{
		pushChallengeAttempts: pushChallengeAttempts,
		pushSends:             pushSends,
		captchaAttempts:       captchaAttempts,
		codeRequests:          codeRequests,
		verifications:         verifications,
	}, nil
}

func (r *Recorder) RecordPushChallengeAttempt(ctx context.Context, present, matches bool) {
	r.pushChallengeAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("present", present),
		attribute.Bool("matches", matches),
	))
}

func (r *Recorder) RecordPushSend(ctx context.Context, success bool) {
	r.pushSends.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

func (r *Recorder) RecordCaptchaAttempt(ctx context.Context, success bool, score float32, platform string) {
	r.captchaAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.Float64("score", float64(score)),
		attribute.String("platform", platform),
	))
}

func (r *Recorder) RecordCodeRequest(ctx context.Context, transport, platform string) {
	r.codeRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("platform", platform),
	))
}

func (r *Recorder) RecordVerification(ctx context.Context, success bool, platform string) {
	r.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.String("platform", platform),
	))
}

// PlatformFromUserAgent buckets a User-Agent header for counter tags.
// Deliberately coarse: three buckets, no version parsing.
func PlatformFromUserAgent(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ios"):
		return "ios"
	case strings.Contains(ua, "android"):
		return "android"
	default:
		return "unknown"
	}
}
