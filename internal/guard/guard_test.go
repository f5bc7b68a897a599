package guard

import (
	"errors"
	"testing"
	"time"
)

func TestCheckAndRecordThreshold(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		if err := limiter.CheckAndRecord(ActionLogin, "user@example.com"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	err := limiter.CheckAndRecord(ActionLogin, "user@example.com")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("sixth attempt = %v, want ErrRateLimited", err)
	}

	// Another identity is unaffected.
	if err := limiter.CheckAndRecord(ActionLogin, "other@example.com"); err != nil {
		t.Fatalf("separate identity blocked: %v", err)
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		if err := limiter.CheckAndRecord(ActionLogin, "user@example.com"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := limiter.CheckAndRecord(ActionLogin, "user@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}

	now = now.Add(16 * time.Minute)
	if err := limiter.CheckAndRecord(ActionLogin, "user@example.com"); err != nil {
		t.Fatalf("attempt after window elapsed: %v", err)
	}
	if got := limiter.Remaining(ActionLogin, "user@example.com"); got != 4 {
		t.Fatalf("Remaining = %d, want 4", got)
	}
}

func TestResetClearsSingleIdentity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		_ = limiter.CheckAndRecord(ActionLogin, "a@example.com")
		_ = limiter.CheckAndRecord(ActionLogin, "b@example.com")
	}
	limiter.Reset(ActionLogin, "a@example.com")

	if got := limiter.Remaining(ActionLogin, "a@example.com"); got != 5 {
		t.Fatalf("Remaining after reset = %d, want 5", got)
	}
	if got := limiter.Remaining(ActionLogin, "b@example.com"); got != 2 {
		t.Fatalf("Remaining for untouched identity = %d, want 2", got)
	}
}

func TestUnknownActionIsUnlimited(t *testing.T) {
	t.Parallel()

	limiter := NewLimiter()
	for i := 0; i < 100; i++ {
		if err := limiter.CheckAndRecord("profile_update", "user@example.com"); err != nil {
			t.Fatalf("unlimited action blocked on attempt %d: %v", i+1, err)
		}
	}
	if got := limiter.Remaining("profile_update", "user@example.com"); got != -1 {
		t.Fatalf("Remaining for unlimited action = %d, want -1", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	limiter := NewLimiter(WithClock(clock))
	for i := 0; i < 5; i++ {
		_ = limiter.CheckAndRecord(ActionLogin, "user@example.com")
	}

	restored := NewLimiter(WithClock(clock))
	restored.Restore(limiter.Snapshot())

	if err := restored.CheckAndRecord(ActionLogin, "user@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("restored limiter lost state: %v", err)
	}
}

func TestRestoreDropsElapsedWindows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(WithClock(func() time.Time { return now }))

	limiter.Restore(map[string]RateLimitRecord{
		"ratelimit:login:stale@example.com": {Count: 5, WindowStart: now.Add(-time.Hour)},
		"ratelimit:login:live@example.com":  {Count: 5, WindowStart: now.Add(-time.Minute)},
		"garbage-key":                       {Count: 5, WindowStart: now},
	})

	if err := limiter.CheckAndRecord(ActionLogin, "stale@example.com"); err != nil {
		t.Fatalf("stale window should have been dropped: %v", err)
	}
	if err := limiter.CheckAndRecord(ActionLogin, "live@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("live window should have been restored: %v", err)
	}
}

func TestInspect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		value string
		kinds []string
	}{
		{"plain email", "admin@example.com", nil},
		{"plain name", "Jane O'Connor", nil},
		{"empty", "", nil},
		{"script tag", `<script>alert(1)</script>`, []string{"script_injection"}},
		{"javascript scheme", "javascript:alert(1)", []string{"script_injection"}},
		{"event handler", `x" onerror=alert(1)`, []string{"event_handler"}},
		{"union select", "1 UNION SELECT password FROM users", []string{"sql_injection"}},
		{"classic tautology", "' OR '1'='1", []string{"sql_injection"}},
		{"path traversal", "../../etc/passwd", []string{"path_traversal"}},
		{"template injection", "{{constructor.constructor}}", []string{"template_injection"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Inspect(tc.value)
			if len(tc.kinds) == 0 {
				if len(got) != 0 {
					t.Fatalf("Inspect(%q) flagged clean input: %v", tc.value, got)
				}
				return
			}
			if len(got) == 0 {
				t.Fatalf("Inspect(%q) missed expected violation %v", tc.value, tc.kinds)
			}
			for _, kind := range tc.kinds {
				found := false
				for _, v := range got {
					if v.Kind == kind {
						found = true
						break
					}
				}
				if !found {
					t.Fatalf("Inspect(%q) = %v, missing kind %q", tc.value, got, kind)
				}
			}
		})
	}
}
