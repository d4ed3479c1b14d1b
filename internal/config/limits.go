package config

import (
	"fmt"
	"time"
)

// Action names form a closed set; unknown actions are rejected at startup
// instead of being discovered at request time.
const (
	ActionOTPGeneration      = "OTP_GENERATION"
	ActionLoginAttempts      = "LOGIN_ATTEMPTS"
	ActionSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
	ActionPasswordReset      = "PASSWORD_RESET"
	ActionEmailVerification  = "EMAIL_VERIFICATION"
)

// ActionLimit is the static per-action rate limit configuration.
type ActionLimit struct {
	Window        time.Duration
	MaxRequests   int
	BlockDuration time.Duration
	BackoffBase   float64
	MaxBackoff    time.Duration
}

// SuspicionWeights scales each aggregator signal before summing. Denials
// already crossed a limit somewhere, so they weigh the most by default.
type SuspicionWeights struct {
	OTPRequests   int
	LoginFailures int
	Denials       int
}

// LimitsConfig maps each known action to its limit. The set of keys is fixed
// at startup.
type LimitsConfig struct {
	Actions map[string]ActionLimit
	Weights SuspicionWeights
}

func defaultLimits() map[string]ActionLimit {
	return map[string]ActionLimit{
		ActionOTPGeneration: {
			Window:        5 * time.Minute,
			MaxRequests:   3,
			BlockDuration: 15 * time.Minute,
			BackoffBase:   2,
			MaxBackoff:    10 * time.Minute,
		},
		ActionLoginAttempts: {
			Window:        15 * time.Minute,
			MaxRequests:   5,
			BlockDuration: 30 * time.Minute,
			BackoffBase:   2,
			MaxBackoff:    2 * time.Hour,
		},
		ActionPasswordReset: {
			Window:        time.Hour,
			MaxRequests:   3,
			BlockDuration: time.Hour,
			BackoffBase:   2,
			MaxBackoff:    time.Hour,
		},
		ActionEmailVerification: {
			Window:        time.Hour,
			MaxRequests:   5,
			BlockDuration: 30 * time.Minute,
			BackoffBase:   2,
			MaxBackoff:    time.Hour,
		},
		ActionSuspiciousActivity: {
			Window:        time.Hour,
			MaxRequests:   10,
			BlockDuration: 24 * time.Hour,
			BackoffBase:   3,
			MaxBackoff:    24 * time.Hour,
		},
	}
}

// loadLimits builds the limit table from defaults plus per-action environment
// overrides of the form SHIELD_LIMIT_<ACTION>_{WINDOW,MAX,BLOCK,BACKOFF_BASE,MAX_BACKOFF}.
// Suspicion signal weights belong to the SUSPICIOUS_ACTIVITY action:
// SHIELD_LIMIT_SUSPICIOUS_ACTIVITY_WEIGHT_{OTP_REQUESTS,LOGIN_FAILURES,DENIALS}.
func loadLimits() LimitsConfig {
	actions := defaultLimits()

	for name, limit := range actions {
		prefix := "SHIELD_LIMIT_" + name + "_"
		limit.Window = getEnvDuration(prefix+"WINDOW", limit.Window)
		limit.MaxRequests = getEnvInt(prefix+"MAX", limit.MaxRequests)
		limit.BlockDuration = getEnvDuration(prefix+"BLOCK", limit.BlockDuration)
		limit.BackoffBase = getEnvFloat(prefix+"BACKOFF_BASE", limit.BackoffBase)
		limit.MaxBackoff = getEnvDuration(prefix+"MAX_BACKOFF", limit.MaxBackoff)
		actions[name] = limit
	}

	weightPrefix := "SHIELD_LIMIT_" + ActionSuspiciousActivity + "_WEIGHT_"
	weights := SuspicionWeights{
		OTPRequests:   getEnvInt(weightPrefix+"OTP_REQUESTS", 1),
		LoginFailures: getEnvInt(weightPrefix+"LOGIN_FAILURES", 2),
		Denials:       getEnvInt(weightPrefix+"DENIALS", 3),
	}

	return LimitsConfig{Actions: actions, Weights: weights}
}

// Validate enforces the closed enumeration at startup.
func (l LimitsConfig) Validate() error {
	required := []string{
		ActionOTPGeneration,
		ActionLoginAttempts,
		ActionSuspiciousActivity,
		ActionPasswordReset,
		ActionEmailVerification,
	}

	for _, name := range required {
		limit, ok := l.Actions[name]
		if !ok {
			return fmt.Errorf("missing limit config for action %s", name)
		}
		if limit.Window <= 0 {
			return fmt.Errorf("action %s: window must be positive", name)
		}
		if limit.MaxRequests <= 0 {
			return fmt.Errorf("action %s: max requests must be positive", name)
		}
		if limit.BlockDuration <= 0 {
			return fmt.Errorf("action %s: block duration must be positive", name)
		}
		if limit.BackoffBase < 1 {
			return fmt.Errorf("action %s: backoff base must be >= 1", name)
		}
		if limit.MaxBackoff <= 0 {
			return fmt.Errorf("action %s: max backoff must be positive", name)
		}
	}

	if len(l.Actions) != len(required) {
		return fmt.Errorf("unexpected action in limit config")
	}

	if l.Weights.OTPRequests <= 0 || l.Weights.LoginFailures <= 0 || l.Weights.Denials <= 0 {
		return fmt.Errorf("suspicion signal weights must be positive")
	}

	return nil
}

// ForAction returns the limit for a known action. The boolean is false for
// unknown actions; callers fail open with a warning rather than crash.
func (l LimitsConfig) ForAction(name string) (ActionLimit, bool) {
	limit, ok := l.Actions[name]
	return limit, ok
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		var parsed float64
		if _, err := fmt.Sscanf(value, "%g", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}
