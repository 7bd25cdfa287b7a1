package relay

import "strings"

// ServiceFlags is a bitset of capabilities a relay serves. Pool-wide
// operations target the subset of relays whose flags match.
type ServiceFlags uint64

const (
	// FlagRead marks a relay used for subscriptions.
	FlagRead ServiceFlags = 1 << iota
	// FlagWrite marks a relay events are published to.
	FlagWrite
	// FlagPing enables the periodic liveness probe.
	FlagPing
	// FlagInbox marks a relay advertised for receiving DMs and mentions.
	FlagInbox
	// FlagOutbox marks a relay advertised for the caller's own events.
	FlagOutbox
	// FlagDiscovery marks a relay used only to find other relays.
	FlagDiscovery
)

// FlagDefault is applied when a relay is added without explicit flags.
const FlagDefault = FlagRead | FlagWrite | FlagPing

// FlagCheck selects how a multi-bit query matches.
type FlagCheck int

const (
	// FlagCheckAny matches when at least one queried bit is set.
	FlagCheckAny FlagCheck = iota
	// FlagCheckAll matches only when every queried bit is set.
	FlagCheckAll
)

// Has reports whether f matches the queried flags under the check mode.
func (f ServiceFlags) Has(query ServiceFlags, check FlagCheck) bool {
	switch check {
	case FlagCheckAll:
		return f&query == query
	default:
		return f&query != 0
	}
}

// Add returns f with the given bits set.
func (f ServiceFlags) Add(other ServiceFlags) ServiceFlags { return f | other }

// Remove returns f with the given bits cleared.
func (f ServiceFlags) Remove(other ServiceFlags) ServiceFlags { return f &^ other }

func (f ServiceFlags) String() string {
	names := []struct {
		bit  ServiceFlags
		name string
	}{
		{FlagRead, "read"},
		{FlagWrite, "write"},
		{FlagPing, "ping"},
		{FlagInbox, "inbox"},
		{FlagOutbox, "outbox"},
		{FlagDiscovery, "discovery"},
	}
	var out []string
	for _, n := range names {
		if f&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, "|")
}

// ParseFlag maps a config string to its flag bit.
func ParseFlag(s string) (ServiceFlags, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return FlagRead, true
	case "write":
		return FlagWrite, true
	case "ping":
		return FlagPing, true
	case "inbox":
		return FlagInbox, true
	case "outbox":
		return FlagOutbox, true
	case "discovery":
		return FlagDiscovery, true
	}
	return 0, false
}
