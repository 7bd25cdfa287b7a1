package version

import "testing"

func TestString(t *testing.T) {
	defer func(v, c, b string) { Version, Commit, BuildTime = v, c, b }(Version, Commit, BuildTime)

	tests := []struct {
		version, commit, buildTime string
		want                       string
	}{
		{"dev", "unknown", "unknown", "dev (unknown) built unknown"},
		{"1.2.3", "abc1234", "2026-01-15T10:00:00Z", "1.2.3 (abc1234) built 2026-01-15T10:00:00Z"},
	}
	for _, tt := range tests {
		Version, Commit, BuildTime = tt.version, tt.commit, tt.buildTime
		if got := String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestLinkerDefaults(t *testing.T) {
	if Version == "" || Commit == "" || BuildTime == "" {
		t.Errorf("empty build metadata: version=%q commit=%q buildTime=%q", Version, Commit, BuildTime)
	}
}
