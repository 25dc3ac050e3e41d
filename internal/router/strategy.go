package router

import (
	"fmt"
	"strings"
)

// Strategy selects how a request is spread over the provider pool. The set
// is closed; Router.route is the only place that switches on it.
type Strategy int

const (
	strategyUnset Strategy = iota
	// PrimaryOnly always uses index 0.
	PrimaryOnly
	// Failover uses index 0 and falls back to index 1 once.
	Failover
	// RoundRobin cycles through the pool in order.
	RoundRobin
	// Specialized sends embeddings to index 0 and completions to index 1.
	Specialized
	// DualVerification calls indexes 0 and 1 and compares the results.
	DualVerification
	// SmartRouting sends long or analytical input to index 1.
	SmartRouting
	// ModelBased resolves the requested model to the provider that serves it.
	ModelBased
)

var strategyNames = [...]string{
	strategyUnset:    "UNSET",
	PrimaryOnly:      "PRIMARY_ONLY",
	Failover:         "FAILOVER",
	RoundRobin:       "ROUND_ROBIN",
	Specialized:      "SPECIALIZED",
	DualVerification: "DUAL_VERIFICATION",
	SmartRouting:     "SMART_ROUTING",
	ModelBased:       "MODEL_BASED",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// Valid reports whether s is one of the declared strategies.
func (s Strategy) Valid() bool { return s > strategyUnset && int(s) < len(strategyNames) }

// Strategies lists every valid strategy in declaration order.
func Strategies() []Strategy {
	out := make([]Strategy, 0, len(strategyNames)-1)
	for s := PrimaryOnly; s.Valid(); s++ {
		out = append(out, s)
	}
	return out
}

// ParseStrategy accepts "FAILOVER", "failover", "round-robin" and similar
// spellings. The empty string yields Failover.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	if norm == "" {
		return Failover, nil
	}
	for _, st := range Strategies() {
		if st.String() == norm {
			return st, nil
		}
	}
	return strategyUnset, fmt.Errorf("router: unknown strategy %q", s)
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
