package relay

import "testing"

func TestServiceFlagsHas(t *testing.T) {
	tests := []struct {
		name  string
		flags ServiceFlags
		query ServiceFlags
		check FlagCheck
		want  bool
	}{
		{"any single match", FlagRead | FlagWrite, FlagRead, FlagCheckAny, true},
		{"any no match", FlagRead, FlagWrite, FlagCheckAny, false},
		{"any partial match", FlagRead, FlagRead | FlagWrite, FlagCheckAny, true},
		{"all full match", FlagRead | FlagWrite | FlagPing, FlagRead | FlagWrite, FlagCheckAll, true},
		{"all partial match", FlagRead, FlagRead | FlagWrite, FlagCheckAll, false},
		{"default has ping", FlagDefault, FlagPing, FlagCheckAny, true},
		{"default lacks discovery", FlagDefault, FlagDiscovery, FlagCheckAny, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.flags.Has(tt.query, tt.check); got != tt.want {
				t.Errorf("Has(%v, %v) = %v, want %v", tt.query, tt.check, got, tt.want)
			}
		})
	}
}

func TestServiceFlagsAddRemove(t *testing.T) {
	f := FlagRead
	f = f.Add(FlagWrite | FlagPing)
	if !f.Has(FlagWrite, FlagCheckAny) || !f.Has(FlagPing, FlagCheckAny) {
		t.Errorf("Add failed: %v", f)
	}

	f = f.Remove(FlagWrite)
	if f.Has(FlagWrite, FlagCheckAny) {
		t.Errorf("Remove failed: %v", f)
	}
	if !f.Has(FlagRead|FlagPing, FlagCheckAll) {
		t.Errorf("Remove clobbered other bits: %v", f)
	}
}

func TestServiceFlagsString(t *testing.T) {
	tests := []struct {
		flags ServiceFlags
		want  string
	}{
		{FlagRead, "read"},
		{FlagRead | FlagWrite | FlagPing, "read|write|ping"},
		{FlagDiscovery, "discovery"},
		{0, "none"},
	}

	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseFlag(t *testing.T) {
	for _, name := range []string{"read", "write", "ping", "inbox", "outbox", "discovery", " Read "} {
		if _, ok := ParseFlag(name); !ok {
			t.Errorf("ParseFlag(%q) not recognized", name)
		}
	}
	if _, ok := ParseFlag("bogus"); ok {
		t.Error("ParseFlag accepted unknown name")
	}
}
