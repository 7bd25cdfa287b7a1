package pool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrShutdown is returned by operations on a pool that has been shut
	// down.
	ErrShutdown = errors.New("pool: shut down")

	// ErrRelayNotFound is returned when a URL is not in the pool.
	ErrRelayNotFound = errors.New("pool: relay not found")

	// ErrNoRelays is returned when an operation has no eligible target.
	ErrNoRelays = errors.New("pool: no eligible relays")
)

// Output is the per-relay outcome of a fan-out operation. An operation
// succeeds overall when at least one relay succeeded.
type Output struct {
	mu      sync.Mutex
	Success []string
	Failed  map[string]error
}

func newOutput() *Output {
	return &Output{Failed: make(map[string]error)}
}

func (o *Output) ok(url string) {
	o.mu.Lock()
	o.Success = append(o.Success, url)
	o.mu.Unlock()
}

func (o *Output) fail(url string, err error) {
	o.mu.Lock()
	o.Failed[url] = err
	o.mu.Unlock()
}

// Err returns nil when any relay succeeded, ErrNoRelays when nothing was
// attempted, and an aggregate error otherwise.
func (o *Output) Err() error {
	if len(o.Success) > 0 {
		return nil
	}
	if len(o.Failed) == 0 {
		return ErrNoRelays
	}

	urls := make([]string, 0, len(o.Failed))
	for url := range o.Failed {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	var b strings.Builder
	for i, url := range urls {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", url, o.Failed[url])
	}
	return fmt.Errorf("all relays failed: %s", b.String())
}
