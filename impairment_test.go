package cwndlab

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestImpairmentProfile(t *testing.T) {
	t.Run("NetemArgs", func(t *testing.T) {
		type testcase struct {
			name        string
			impairments []Impairment
			expect      []string
		}

		testcases := []testcase{{
			name:        "with no impairments",
			impairments: nil,
			expect:      []string{},
		}, {
			name:        "with whole milliseconds delay",
			impairments: []Impairment{Delay{Duration: 20 * time.Millisecond}},
			expect:      []string{"delay", "20ms"},
		}, {
			name:        "with sub-millisecond delay",
			impairments: []Impairment{Delay{Duration: 1500 * time.Microsecond}},
			expect:      []string{"delay", "1500us"},
		}, {
			name:        "with loss",
			impairments: []Impairment{Loss{Probability: 0.05}},
			expect:      []string{"loss", "5%"},
		}, {
			name:        "with a loss percentage that is not exactly representable",
			impairments: []Impairment{Loss{Probability: 0.07}},
			expect:      []string{"loss", "7%"},
		}, {
			name:        "with fractional loss",
			impairments: []Impairment{Loss{Probability: 0.005}},
			expect:      []string{"loss", "0.5%"},
		}, {
			name: "with every netem impairment in reverse order",
			impairments: []Impairment{
				RateLimit{BitsPerSecond: 10_000_000},
				Reorder{Probability: 0.25, Correlation: 0.5},
				Duplicate{Probability: 0.01},
				Loss{Probability: 0.1},
				Delay{Duration: 10 * time.Millisecond},
			},
			expect: []string{
				"delay", "10ms",
				"loss", "10%",
				"duplicate", "1%",
				"reorder", "25%", "50%",
				"rate", "10000000bit",
			},
		}, {
			name:        "with periodic drop only",
			impairments: []Impairment{PeriodicDrop{Probability: 0.1}},
			expect:      []string{},
		}, {
			name: "with periodic drop and delay",
			impairments: []Impairment{
				PeriodicDrop{Probability: 0.1},
				Delay{Duration: 5 * time.Millisecond},
			},
			expect: []string{"delay", "5ms"},
		}}

		for _, tc := range testcases {
			t.Run(tc.name, func(t *testing.T) {
				profile, err := NewImpairmentProfile(tc.impairments...)
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(tc.expect, profile.NetemArgs()); diff != "" {
					t.Fatal(diff)
				}
			})
		}
	})

	t.Run("NewImpairmentProfile rejects invalid profiles", func(t *testing.T) {
		type testcase struct {
			name        string
			impairments []Impairment
		}

		testcases := []testcase{{
			name:        "with a nil impairment",
			impairments: []Impairment{nil},
		}, {
			name:        "with zero delay",
			impairments: []Impairment{Delay{}},
		}, {
			name:        "with negative loss",
			impairments: []Impairment{Loss{Probability: -0.1}},
		}, {
			name:        "with loss above one",
			impairments: []Impairment{Loss{Probability: 1.5}},
		}, {
			name:        "with zero duplicate",
			impairments: []Impairment{Duplicate{}},
		}, {
			name: "with reorder but no delay",
			impairments: []Impairment{
				Reorder{Probability: 0.25},
			},
		}, {
			name: "with reorder correlation equal to one",
			impairments: []Impairment{
				Delay{Duration: time.Millisecond},
				Reorder{Probability: 0.25, Correlation: 1},
			},
		}, {
			name:        "with zero rate",
			impairments: []Impairment{RateLimit{}},
		}, {
			name:        "with zero periodic drop",
			impairments: []Impairment{PeriodicDrop{}},
		}, {
			name: "with the same kind twice",
			impairments: []Impairment{
				Delay{Duration: time.Millisecond},
				Delay{Duration: 2 * time.Millisecond},
			},
		}}

		for _, tc := range testcases {
			t.Run(tc.name, func(t *testing.T) {
				profile, err := NewImpairmentProfile(tc.impairments...)
				if !errors.Is(err, ErrInvalidImpairment) {
					t.Fatal("unexpected error", err)
				}
				if profile != nil {
					t.Fatal("expected nil profile")
				}
			})
		}
	})

	t.Run("String", func(t *testing.T) {
		t.Run("for the empty profile", func(t *testing.T) {
			var profile *ImpairmentProfile
			if got := profile.String(); got != "none" {
				t.Fatal("unexpected string", got)
			}
		})

		t.Run("for a complex profile", func(t *testing.T) {
			profile, err := NewImpairmentProfile(
				PeriodicDrop{Probability: 0.1},
				Delay{Duration: 10 * time.Millisecond},
			)
			if err != nil {
				t.Fatal(err)
			}
			if got := profile.String(); got != "delay 10ms periodic-drop 1/10" {
				t.Fatal("unexpected string", got)
			}
		})
	})

	t.Run("Impairments returns a copy", func(t *testing.T) {
		profile, err := NewImpairmentProfile(Loss{Probability: 0.1})
		if err != nil {
			t.Fatal(err)
		}
		imps := profile.Impairments()
		imps[0] = Loss{Probability: 0.9}
		if got := profile.String(); got != "loss 10%" {
			t.Fatal("profile changed", got)
		}
	})
}

func TestPeriodicDrop(t *testing.T) {
	type testcase struct {
		probability float64
		expect      int
	}

	testcases := []testcase{
		{probability: 1, expect: 1},
		{probability: 0.5, expect: 2},
		{probability: 0.1, expect: 10},
		{probability: 0.3, expect: 3},
		{probability: 0.01, expect: 100},
		{probability: 0.15, expect: 7},
	}

	for _, tc := range testcases {
		pd := PeriodicDrop{Probability: tc.probability}
		if got := pd.Period(); got != tc.expect {
			t.Fatal("for", tc.probability, "expected", tc.expect, "got", got)
		}
	}

	t.Run("PeriodicDrop finds the impairment in a profile", func(t *testing.T) {
		profile, err := NewImpairmentProfile(Loss{Probability: 0.01}, PeriodicDrop{Probability: 0.25})
		if err != nil {
			t.Fatal(err)
		}
		pd, found := profile.PeriodicDrop()
		if !found || pd.Period() != 4 {
			t.Fatal("unexpected result", pd, found)
		}
	})
}
