package cwndlab

//
// Impairment profiles
//

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ImpairmentKind is the kind of an [Impairment].
type ImpairmentKind int

// The order of these constants is the order in which netem
// expects the corresponding arguments.
const (
	ImpairmentKindDelay = ImpairmentKind(iota)
	ImpairmentKindLoss
	ImpairmentKindDuplicate
	ImpairmentKindReorder
	ImpairmentKindRateLimit
	ImpairmentKindPeriodicDrop
)

// Impairment is a single link impairment.
type Impairment interface {
	// Kind returns the impairment kind.
	Kind() ImpairmentKind

	// Validate returns an error if the impairment parameters are invalid.
	Validate() error

	// String returns the impairment in the same syntax used by netem.
	String() string

	// netemArgs returns the netem arguments, or nil if this
	// impairment is not implemented by netem.
	netemArgs() []string
}

// Delay delays every packet leaving the sender.
type Delay struct {
	Duration time.Duration
}

var _ Impairment = Delay{}

// Kind implements Impairment.
func (d Delay) Kind() ImpairmentKind {
	return ImpairmentKindDelay
}

// Validate implements Impairment.
func (d Delay) Validate() error {
	if d.Duration <= 0 {
		return fmt.Errorf("%w: delay must be positive: %s", ErrInvalidImpairment, d.Duration)
	}
	return nil
}

// String implements Impairment.
func (d Delay) String() string {
	return strings.Join(d.netemArgs(), " ")
}

func (d Delay) netemArgs() []string {
	if d.Duration%time.Millisecond == 0 {
		return []string{"delay", fmt.Sprintf("%dms", d.Duration.Milliseconds())}
	}
	return []string{"delay", fmt.Sprintf("%dus", d.Duration.Microseconds())}
}

// Loss drops packets leaving the sender at random with the given probability.
type Loss struct {
	Probability float64
}

var _ Impairment = Loss{}

// Kind implements Impairment.
func (l Loss) Kind() ImpairmentKind {
	return ImpairmentKindLoss
}

// Validate implements Impairment.
func (l Loss) Validate() error {
	return validateProbability("loss", l.Probability)
}

// String implements Impairment.
func (l Loss) String() string {
	return strings.Join(l.netemArgs(), " ")
}

func (l Loss) netemArgs() []string {
	return []string{"loss", formatPercent(l.Probability)}
}

// Duplicate duplicates packets leaving the sender at random with the given probability.
type Duplicate struct {
	Probability float64
}

var _ Impairment = Duplicate{}

// Kind implements Impairment.
func (d Duplicate) Kind() ImpairmentKind {
	return ImpairmentKindDuplicate
}

// Validate implements Impairment.
func (d Duplicate) Validate() error {
	return validateProbability("duplicate", d.Probability)
}

// String implements Impairment.
func (d Duplicate) String() string {
	return strings.Join(d.netemArgs(), " ")
}

func (d Duplicate) netemArgs() []string {
	return []string{"duplicate", formatPercent(d.Probability)}
}

// Reorder sends packets immediately with the given probability, while
// the others are delayed. An [ImpairmentProfile] containing Reorder
// MUST also contain a [Delay].
type Reorder struct {
	// Probability is the probability of sending a packet immediately.
	Probability float64

	// Correlation is the OPTIONAL correlation with the previous decision.
	Correlation float64
}

var _ Impairment = Reorder{}

// Kind implements Impairment.
func (r Reorder) Kind() ImpairmentKind {
	return ImpairmentKindReorder
}

// Validate implements Impairment.
func (r Reorder) Validate() error {
	if err := validateProbability("reorder", r.Probability); err != nil {
		return err
	}
	if r.Correlation < 0 || r.Correlation >= 1 {
		return fmt.Errorf("%w: reorder correlation out of range: %v", ErrInvalidImpairment, r.Correlation)
	}
	return nil
}

// String implements Impairment.
func (r Reorder) String() string {
	return strings.Join(r.netemArgs(), " ")
}

func (r Reorder) netemArgs() []string {
	args := []string{"reorder", formatPercent(r.Probability)}
	if r.Correlation > 0 {
		args = append(args, formatPercent(r.Correlation))
	}
	return args
}

// RateLimit limits the rate at which the sender transmits.
type RateLimit struct {
	BitsPerSecond int64
}

var _ Impairment = RateLimit{}

// Kind implements Impairment.
func (r RateLimit) Kind() ImpairmentKind {
	return ImpairmentKindRateLimit
}

// Validate implements Impairment.
func (r RateLimit) Validate() error {
	if r.BitsPerSecond <= 0 {
		return fmt.Errorf("%w: rate must be positive: %d", ErrInvalidImpairment, r.BitsPerSecond)
	}
	return nil
}

// String implements Impairment.
func (r RateLimit) String() string {
	return strings.Join(r.netemArgs(), " ")
}

func (r RateLimit) netemArgs() []string {
	return []string{"rate", fmt.Sprintf("%dbit", r.BitsPerSecond)}
}

// PeriodicDrop deterministically drops one packet every N received by
// the receiver, where N is round(1/Probability). Unlike [Loss], two trials
// using the same PeriodicDrop observe exactly the same loss pattern.
type PeriodicDrop struct {
	Probability float64
}

var _ Impairment = PeriodicDrop{}

// Kind implements Impairment.
func (pd PeriodicDrop) Kind() ImpairmentKind {
	return ImpairmentKindPeriodicDrop
}

// Validate implements Impairment.
func (pd PeriodicDrop) Validate() error {
	return validateProbability("periodic drop", pd.Probability)
}

// Period returns N, the number of packets among which we drop one.
func (pd PeriodicDrop) Period() int {
	return int(math.Round(1 / pd.Probability))
}

// String implements Impairment.
func (pd PeriodicDrop) String() string {
	return fmt.Sprintf("periodic-drop 1/%d", pd.Period())
}

func (pd PeriodicDrop) netemArgs() []string {
	return nil
}

// validateProbability ensures that p is within (0, 1].
func validateProbability(name string, p float64) error {
	if math.IsNaN(p) || p <= 0 || p > 1 {
		return fmt.Errorf("%w: %s probability out of range: %v", ErrInvalidImpairment, name, p)
	}
	return nil
}

// formatPercent formats a probability as a netem percentage.
func formatPercent(p float64) string {
	// four decimals avoid printing floating point noise (e.g., 7.000000000000001)
	v := strconv.FormatFloat(p*100, 'f', 4, 64)
	v = strings.TrimRight(v, "0")
	v = strings.TrimSuffix(v, ".")
	return v + "%"
}

// ImpairmentProfile is a validated set of impairments containing at most
// one impairment of each kind. The zero value is the empty profile, which
// does not impair the link. Use [NewImpairmentProfile] to construct.
type ImpairmentProfile struct {
	impairments []Impairment
}

// NewImpairmentProfile validates the given impairments and returns a profile
// containing them. The order of the arguments does not matter.
func NewImpairmentProfile(impairments ...Impairment) (*ImpairmentProfile, error) {
	seen := map[ImpairmentKind]bool{}
	for _, imp := range impairments {
		if imp == nil {
			return nil, fmt.Errorf("%w: nil impairment", ErrInvalidImpairment)
		}
		if err := imp.Validate(); err != nil {
			return nil, err
		}
		if seen[imp.Kind()] {
			return nil, fmt.Errorf("%w: duplicate impairment: %s", ErrInvalidImpairment, imp)
		}
		seen[imp.Kind()] = true
	}
	if seen[ImpairmentKindReorder] && !seen[ImpairmentKindDelay] {
		return nil, fmt.Errorf("%w: reorder requires delay", ErrInvalidImpairment)
	}
	sorted := append([]Impairment{}, impairments...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Kind() < sorted[j].Kind()
	})
	return &ImpairmentProfile{impairments: sorted}, nil
}

// Impairments returns a copy of the impairments in canonical order.
func (p *ImpairmentProfile) Impairments() []Impairment {
	if p == nil {
		return nil
	}
	return append([]Impairment{}, p.impairments...)
}

// IsEmpty returns whether the profile does not impair the link.
func (p *ImpairmentProfile) IsEmpty() bool {
	return p == nil || len(p.impairments) <= 0
}

// NetemArgs returns the arguments to append to "netem", or
// an empty slice if the profile does not need netem.
func (p *ImpairmentProfile) NetemArgs() []string {
	args := []string{}
	if p == nil {
		return args
	}
	for _, imp := range p.impairments {
		args = append(args, imp.netemArgs()...)
	}
	return args
}

// PeriodicDrop returns the [PeriodicDrop] inside the profile, if any.
func (p *ImpairmentProfile) PeriodicDrop() (PeriodicDrop, bool) {
	if p != nil {
		for _, imp := range p.impairments {
			if pd, ok := imp.(PeriodicDrop); ok {
				return pd, true
			}
		}
	}
	return PeriodicDrop{}, false
}

// String returns a textual representation of the profile.
func (p *ImpairmentProfile) String() string {
	if p.IsEmpty() {
		return "none"
	}
	v := []string{}
	for _, imp := range p.impairments {
		v = append(v, imp.String())
	}
	return strings.Join(v, " ")
}
