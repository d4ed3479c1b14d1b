package config

import (
	"testing"
	"time"
)

func TestDefaultLimitsValidate(t *testing.T) {
	limits := loadLimits()
	if err := limits.Validate(); err != nil {
		t.Fatalf("default limits should validate: %v", err)
	}

	otp, ok := limits.ForAction(ActionOTPGeneration)
	if !ok {
		t.Fatal("OTP_GENERATION limit missing")
	}
	if otp.Window != 5*time.Minute || otp.MaxRequests != 3 || otp.BlockDuration != 15*time.Minute {
		t.Fatalf("unexpected OTP defaults: %+v", otp)
	}

	login, ok := limits.ForAction(ActionLoginAttempts)
	if !ok {
		t.Fatal("LOGIN_ATTEMPTS limit missing")
	}
	if login.MaxRequests != 5 || login.BackoffBase != 2 || login.MaxBackoff != 2*time.Hour {
		t.Fatalf("unexpected login defaults: %+v", login)
	}

	want := SuspicionWeights{OTPRequests: 1, LoginFailures: 2, Denials: 3}
	if limits.Weights != want {
		t.Fatalf("unexpected default suspicion weights: %+v", limits.Weights)
	}
}

func TestForActionUnknown(t *testing.T) {
	limits := loadLimits()
	if _, ok := limits.ForAction("CARD_SWIPE"); ok {
		t.Fatal("unknown action should not resolve")
	}
}

func TestLimitsEnvOverride(t *testing.T) {
	t.Setenv("SHIELD_LIMIT_OTP_GENERATION_MAX", "7")
	t.Setenv("SHIELD_LIMIT_OTP_GENERATION_WINDOW", "90s")
	t.Setenv("SHIELD_LIMIT_LOGIN_ATTEMPTS_BACKOFF_BASE", "3.5")

	limits := loadLimits()

	otp, _ := limits.ForAction(ActionOTPGeneration)
	if otp.MaxRequests != 7 {
		t.Errorf("expected MAX override 7, got %d", otp.MaxRequests)
	}
	if otp.Window != 90*time.Second {
		t.Errorf("expected WINDOW override 90s, got %v", otp.Window)
	}

	login, _ := limits.ForAction(ActionLoginAttempts)
	if login.BackoffBase != 3.5 {
		t.Errorf("expected BACKOFF_BASE override 3.5, got %g", login.BackoffBase)
	}
}

func TestSuspicionWeightsEnvOverride(t *testing.T) {
	t.Setenv("SHIELD_LIMIT_SUSPICIOUS_ACTIVITY_WEIGHT_OTP_REQUESTS", "2")
	t.Setenv("SHIELD_LIMIT_SUSPICIOUS_ACTIVITY_WEIGHT_DENIALS", "5")

	limits := loadLimits()
	want := SuspicionWeights{OTPRequests: 2, LoginFailures: 2, Denials: 5}
	if limits.Weights != want {
		t.Fatalf("expected overridden weights %+v, got %+v", want, limits.Weights)
	}
}

func TestLimitsValidateRejectsZeroWeight(t *testing.T) {
	limits := loadLimits()
	limits.Weights.Denials = 0

	if err := limits.Validate(); err == nil {
		t.Fatal("expected validation error for zero signal weight")
	}
}

func TestLimitsValidateRejectsBadValues(t *testing.T) {
	limits := loadLimits()

	broken := limits.Actions[ActionPasswordReset]
	broken.MaxRequests = 0
	limits.Actions[ActionPasswordReset] = broken

	if err := limits.Validate(); err == nil {
		t.Fatal("expected validation error for zero max requests")
	}
}

func TestLimitsValidateRejectsUnknownAction(t *testing.T) {
	limits := loadLimits()
	limits.Actions["CARD_SWIPE"] = limits.Actions[ActionOTPGeneration]

	if err := limits.Validate(); err == nil {
		t.Fatal("expected validation error for unexpected action")
	}
}
