// Package registry maps public OpenAI-style model names to upstream model
// identifiers. The mapping is a snapshot rebuilt wholesale on each refresh;
// readers never see a partially built table.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/plexigate/plexigate/internal/upstream"
)

// Entry is one publicly listed model.
type Entry struct {
	PublicName  string
	UpstreamID  string
	Mode        string
	DisplayName string
	OwnedBy     string
}

type target struct {
	id   string
	mode string
}

type snapshot struct {
	entries []Entry
	aliases map[string]target
}

type Registry struct {
	client upstream.Client

	mu          sync.RWMutex
	snap        *snapshot
	lastRefresh time.Time
}

// New creates a registry pre-populated with the hardcoded default set, so
// the gateway stays usable when the initial refresh fails.
func New(client upstream.Client) *Registry {
	return &Registry{
		client: client,
		snap:   defaultSnapshot(),
	}
}

// staticAliases are the fixed public-name translations. Values are upstream
// identifiers; the catch-all rule in Refresh passes every fetched upstream
// identifier through under its own name.
var staticAliases = map[string]string{
	"gpt-4":               "pplx_pro_upgraded",
	"gpt-4-turbo":         "pplx_pro_upgraded",
	"gpt-4o":              "pplx_pro_upgraded",
	"perplexity":          "pplx_pro_upgraded",
	"perplexity-auto":     "pplx_pro_upgraded",
	"auto":                "pplx_pro_upgraded",
	"perplexity-sonar":    "experimental",
	"sonar":               "experimental",
	"perplexity-research": "pplx_alpha",
	"research":            "pplx_alpha",
	"perplexity-labs":     "pplx_beta",
	"labs":                "pplx_beta",
}

var canonicalEntries = []Entry{
	{PublicName: "perplexity-auto", UpstreamID: "pplx_pro_upgraded", Mode: "copilot", DisplayName: "Perplexity Auto", OwnedBy: "perplexity"},
	{PublicName: "perplexity-sonar", UpstreamID: "experimental", Mode: "copilot", DisplayName: "Perplexity Sonar", OwnedBy: "perplexity"},
	{PublicName: "perplexity-research", UpstreamID: "pplx_alpha", Mode: "copilot", DisplayName: "Perplexity Research", OwnedBy: "perplexity"},
	{PublicName: "perplexity-labs", UpstreamID: "pplx_beta", Mode: "copilot", DisplayName: "Perplexity Labs", OwnedBy: "perplexity"},
}

func defaultSnapshot() *snapshot {
	snap := &snapshot{aliases: make(map[string]target)}
	for alias, id := range staticAliases {
		snap.aliases[alias] = target{id: id, mode: "copilot"}
	}
	snap.entries = append(snap.entries, canonicalEntries...)
	return snap
}

// Refresh queries the upstream for the current model set and atomically
// replaces the snapshot. On failure the previous snapshot is retained.
func (r *Registry) Refresh(ctx context.Context) (int, error) {
	models, err := r.client.FetchModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch models: %w", err)
	}

	snap := defaultSnapshot()
	listed := make(map[string]bool, len(snap.entries))
	for _, e := range snap.entries {
		listed[e.PublicName] = true
	}

	for _, m := range models {
		t := target{id: m.Identifier, mode: m.Mode}

		snap.aliases[m.Identifier] = t
		for _, alias := range deriveAliases(m.Identifier) {
			snap.aliases[alias] = t
		}

		if !listed[m.Identifier] {
			listed[m.Identifier] = true
			snap.entries = append(snap.entries, Entry{
				PublicName:  m.Identifier,
				UpstreamID:  m.Identifier,
				Mode:        m.Mode,
				DisplayName: m.Name,
				OwnedBy:     m.Provider,
			})
		}
	}

	r.mu.Lock()
	r.snap = snap
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	return len(snap.entries), nil
}

// Resolve looks up a public model name. Exact, case-sensitive match.
func (r *Registry) Resolve(publicName string) (upstreamID, mode string, ok bool) {
	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()

	t, ok := snap.aliases[publicName]
	return t.id, t.mode, ok
}

// List returns the listed models in the insertion order of the last refresh.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()

	entries := make([]Entry, len(snap.entries))
	copy(entries, snap.entries)
	return entries
}

func (r *Registry) LastRefreshed() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}

var (
	gptPattern    = regexp.MustCompile(`^gpt(\d)(\d)`)
	opusPattern   = regexp.MustCompile(`opus(\d+)|(\d+)opus`)
	sonnetPattern = regexp.MustCompile(`(\d+)sonnet`)
	geminiPattern = regexp.MustCompile(`^gemini(\d+)pro`)
	grokPattern   = regexp.MustCompile(`^grok(\d+)`)
)

// deriveAliases generates the friendly dashed spellings clients expect for
// an upstream identifier, e.g. gpt52 -> gpt-5.2 and gpt-52.
func deriveAliases(identifier string) []string {
	var aliases []string

	switch {
	case gptPattern.MatchString(identifier):
		m := gptPattern.FindStringSubmatch(identifier)
		aliases = append(aliases, "gpt-"+m[1]+"."+m[2], "gpt-"+m[1]+m[2])

	case opusPattern.MatchString(identifier):
		m := opusPattern.FindStringSubmatch(identifier)
		v := m[1]
		if v == "" {
			v = m[2]
		}
		aliases = append(aliases, "claude-opus-"+dotted(v))

	case sonnetPattern.MatchString(identifier):
		v := sonnetPattern.FindStringSubmatch(identifier)[1]
		aliases = append(aliases, "claude-"+dotted(v)+"-sonnet")

	case geminiPattern.MatchString(identifier):
		v := geminiPattern.FindStringSubmatch(identifier)[1]
		aliases = append(aliases, "gemini-"+v[:1]+"-pro", "gemini-"+v+"-pro")

	case grokPattern.MatchString(identifier):
		v := grokPattern.FindStringSubmatch(identifier)[1]
		aliases = append(aliases, "grok-"+dotted(v))
	}

	// Thinking variants own only the -thinking spellings; the base dashed
	// names stay mapped to the base model.
	if strings.Contains(identifier, "thinking") {
		for i, a := range aliases {
			aliases[i] = a + "-thinking"
		}
	}

	return aliases
}

func dotted(v string) string {
	if len(v) > 1 {
		return v[:1] + "." + v[1:]
	}
	return v
}
