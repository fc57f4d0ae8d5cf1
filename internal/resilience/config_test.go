package resilience

import (
	"testing"
	"time"
)

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(2, 300*time.Millisecond, 2*time.Second)
	if cfg.MaxAttempts != 2 {
		t.Errorf("MaxAttempts: got %d, want 2", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != 300*time.Millisecond {
		t.Errorf("InitialBackoff: got %v, want 300ms", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 2*time.Second {
		t.Errorf("MaxBackoff: got %v, want 2s", cfg.MaxBackoff)
	}
	// Untouched knobs keep their defaults.
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier: got %v, want default 2.0", cfg.Multiplier)
	}
	if cfg.JitterFraction != 0.25 {
		t.Errorf("JitterFraction: got %v, want default 0.25", cfg.JitterFraction)
	}
}

func TestFromRetryConfig_ZeroKeepsDefaults(t *testing.T) {
	cfg := FromRetryConfig(0, 0, 0)
	def := DefaultRetryConfig()
	if cfg.MaxAttempts != def.MaxAttempts {
		t.Errorf("MaxAttempts: got %d, want %d", cfg.MaxAttempts, def.MaxAttempts)
	}
	if cfg.InitialBackoff != def.InitialBackoff {
		t.Errorf("InitialBackoff: got %v, want %v", cfg.InitialBackoff, def.InitialBackoff)
	}
	if cfg.MaxBackoff != def.MaxBackoff {
		t.Errorf("MaxBackoff: got %v, want %v", cfg.MaxBackoff, def.MaxBackoff)
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(3, time.Minute)
	if cfg.FailureThreshold != 3 {
		t.Errorf("FailureThreshold: got %d, want 3", cfg.FailureThreshold)
	}
	if cfg.ResetTimeout != time.Minute {
		t.Errorf("ResetTimeout: got %v, want 1m", cfg.ResetTimeout)
	}
	if cfg.HalfOpenMaxProbes != 1 {
		t.Errorf("HalfOpenMaxProbes: got %d, want default 1", cfg.HalfOpenMaxProbes)
	}
}

func TestFromCircuitConfig_ZeroKeepsDefaults(t *testing.T) {
	cfg := FromCircuitConfig(0, 0)
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold != def.FailureThreshold {
		t.Errorf("FailureThreshold: got %d, want %d", cfg.FailureThreshold, def.FailureThreshold)
	}
	if cfg.ResetTimeout != def.ResetTimeout {
		t.Errorf("ResetTimeout: got %v, want %v", cfg.ResetTimeout, def.ResetTimeout)
	}
}
