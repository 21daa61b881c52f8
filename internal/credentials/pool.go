// Package credentials manages groups of interchangeable AI credentials,
// tracking their health and choosing which one to use next.
package credentials

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ArticleRelay/internal/domain"
)

// ErrNoneAvailable is returned by Acquire when every entry of a group is
// disabled or cooling down, or when the group does not exist.
var ErrNoneAvailable = errors.New("no credential available")

// Credential is the configured identity of one key.
type Credential struct {
	Name string
	Key  string
}

// Entry is a point-in-time view of one credential and its health.
type Entry struct {
	Group               string
	Name                string
	Key                 string
	ConsecutiveFailures int
	CooledDownUntil     time.Time
	Disabled            bool
	LastFailureAt       time.Time

	index   int
	lastUse uint64
}

// Available reports whether the entry may be handed out at now.
func (e Entry) Available(now time.Time) bool {
	return !e.Disabled && !now.Before(e.CooledDownUntil)
}

// Config tunes cooldown behaviour.
type Config struct {
	// FailureThreshold is the number of consecutive failures tolerated
	// before an entry starts cooling down.
	FailureThreshold int
	BaseCooldown     time.Duration
	// QuotaCooldown replaces BaseCooldown for quota_exhausted failures.
	QuotaCooldown time.Duration
	MaxCooldown   time.Duration
	Now           func() time.Time
}

// Pool owns every credential group. All methods are safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	groups map[string][]*Entry
	seq    uint64
}

// NewPool builds a pool from group name to ordered credentials. Entries
// with an empty key are ignored.
func NewPool(cfg Config, groups map[string][]Credential) *Pool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = time.Minute
	}
	if cfg.QuotaCooldown <= 0 {
		cfg.QuotaCooldown = cfg.BaseCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = time.Hour
	}

	p := &Pool{cfg: cfg, groups: map[string][]*Entry{}}
	for group, creds := range groups {
		entries := make([]*Entry, 0, len(creds))
		for _, c := range creds {
			if c.Key == "" {
				continue
			}
			name := c.Name
			if name == "" {
				name = fmt.Sprintf("%s-%d", group, len(entries)+1)
			}
			entries = append(entries, &Entry{
				Group: group,
				Name:  name,
				Key:   c.Key,
				index: len(entries),
			})
		}
		p.groups[group] = entries
	}
	return p
}

// Groups returns the configured group names in sorted order.
func (p *Pool) Groups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Acquire returns the next usable entry of group. Among eligible entries the
// least recently used wins, then the least recently failed, then the
// configuration order.
func (p *Pool) Acquire(group string) (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	var best *Entry
	for _, e := range p.groups[group] {
		if !e.Available(now) {
			continue
		}
		if best == nil || preferred(e, best) {
			best = e
		}
	}
	if best == nil {
		return Entry{}, fmt.Errorf("group %q: %w", group, ErrNoneAvailable)
	}

	p.seq++
	best.lastUse = p.seq
	return *best, nil
}

func preferred(a, b *Entry) bool {
	if a.lastUse != b.lastUse {
		return a.lastUse < b.lastUse
	}
	if !a.LastFailureAt.Equal(b.LastFailureAt) {
		return a.LastFailureAt.Before(b.LastFailureAt)
	}
	return a.index < b.index
}

// ReportFailure records a failed call made with entry. permanent_credential
// disables the entry at once; other kinds cool it down once the consecutive
// failure count exceeds the threshold.
func (p *Pool) ReportFailure(entry Entry, kind domain.ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.lookup(entry)
	if e == nil {
		return
	}

	now := p.cfg.Now()
	e.ConsecutiveFailures++
	e.LastFailureAt = now

	if kind == domain.KindPermanentCredential {
		e.Disabled = true
		return
	}

	over := e.ConsecutiveFailures - p.cfg.FailureThreshold
	if over <= 0 {
		return
	}

	base := p.cfg.BaseCooldown
	if kind == domain.KindQuotaExhausted {
		base = p.cfg.QuotaCooldown
	}
	e.CooledDownUntil = now.Add(cooldown(base, over, p.cfg.MaxCooldown))
}

// cooldown returns min(base * 2^(over-1), limit).
func cooldown(base time.Duration, over int, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < over; i++ {
		if d >= limit {
			break
		}
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// ReportSuccess clears the failure streak and any cooldown of entry.
func (p *Pool) ReportSuccess(entry Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e := p.lookup(entry); e != nil {
		e.ConsecutiveFailures = 0
		e.CooledDownUntil = time.Time{}
	}
}

// Snapshot returns copies of the entries of group in configuration order.
func (p *Pool) Snapshot(group string) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.groups[group]
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out
}

// AvailableCount returns how many entries of group can be acquired now.
func (p *Pool) AvailableCount(group string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	n := 0
	for _, e := range p.groups[group] {
		if e.Available(now) {
			n++
		}
	}
	return n
}

// RecoversIn reports how long until some entry of group can be acquired,
// zero when one already can. ok is false when every entry is disabled or the
// group is empty.
func (p *Pool) RecoversIn(group string) (wait time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	for _, e := range p.groups[group] {
		if e.Disabled {
			continue
		}
		left := max(e.CooledDownUntil.Sub(now), 0)
		if !ok || left < wait {
			wait, ok = left, true
		}
	}
	return wait, ok
}

func (p *Pool) lookup(entry Entry) *Entry {
	entries := p.groups[entry.Group]
	if entry.index < 0 || entry.index >= len(entries) {
		return nil
	}
	e := entries[entry.index]
	if e.Name != entry.Name {
		return nil
	}
	return e
}
