package ratelimit

import (
	"testing"
	"time"
)

func TestServiceLimiter_AllowsUnderThreshold(t *testing.T) {
	l := NewServiceLimiter(ServiceLimiterConfig{Window: time.Minute, Threshold: 3, Cooldown: 5 * time.Second})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("user-1", "rapid_check")
		if !ok {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
}

func TestServiceLimiter_TripsCooldownOverThreshold(t *testing.T) {
	l := NewServiceLimiter(ServiceLimiterConfig{Window: time.Minute, Threshold: 2, Cooldown: 5 * time.Second})
	defer l.Stop()

	l.Allow("user-1", "rapid_check")
	l.Allow("user-1", "rapid_check")

	ok, retryAfter := l.Allow("user-1", "rapid_check")
	if ok {
		t.Fatal("third attempt should trip the cool-down")
	}
	if retryAfter <= 0 {
		t.Fatal("expected a positive retry-after duration")
	}
}

func TestServiceLimiter_CooldownBlocksFurtherAttempts(t *testing.T) {
	l := NewServiceLimiter(ServiceLimiterConfig{Window: time.Minute, Threshold: 1, Cooldown: 50 * time.Millisecond})
	defer l.Stop()

	l.Allow("user-1", "voucher_saving")
	ok, _ := l.Allow("user-1", "voucher_saving")
	if ok {
		t.Fatal("expected second attempt to trip cool-down")
	}

	// Still within cool-down.
	ok, retryAfter := l.Allow("user-1", "voucher_saving")
	if ok {
		t.Fatal("expected attempt during cool-down to be rejected")
	}
	if retryAfter <= 0 {
		t.Fatal("expected positive remaining cool-down duration")
	}

	time.Sleep(60 * time.Millisecond)

	ok, _ = l.Allow("user-1", "voucher_saving")
	if !ok {
		t.Fatal("expected attempt after cool-down expiry to be allowed")
	}
}

func TestServiceLimiter_IsolatesPerUserAndService(t *testing.T) {
	l := NewServiceLimiter(ServiceLimiterConfig{Window: time.Minute, Threshold: 1, Cooldown: time.Second})
	defer l.Stop()

	l.Allow("user-1", "rapid_check")
	ok, _ := l.Allow("user-1", "rapid_check")
	if ok {
		t.Fatal("expected user-1/rapid_check to be in cool-down")
	}

	if ok, _ := l.Allow("user-2", "rapid_check"); !ok {
		t.Fatal("expected a different user to be unaffected")
	}
	if ok, _ := l.Allow("user-1", "voucher_saving"); !ok {
		t.Fatal("expected a different service to be unaffected")
	}
}

func TestRetryAfterMessage(t *testing.T) {
	msg := RetryAfterMessage(30 * time.Second)
	if msg != "try again in 30 seconds" {
		t.Errorf("unexpected message: %s", msg)
	}
}
