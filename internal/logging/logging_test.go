package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"trace":   LevelTrace,
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	l := New("[test] ", LevelWarn)
	// Below-threshold calls must not panic even though we can't easily
	// assert on suppressed stderr output here.
	l.Tracef("should be suppressed")
	l.Debugf("should be suppressed")
	l.Infof("should be suppressed")
	l.Warnf("should print")
	l.Errorf("should print")
}
