package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/realm"
)

func actr(serial uint64) realm.ActrID {
	return realm.ActrID{RealmID: 1, Serial: serial, Type: realm.ActrType{Manufacturer: "m", Name: "x"}}
}

func f64(v float64) *float64 { return &v }

func TestRank_MaximumPowerReserve(t *testing.T) {
	s1 := ServiceInfo{ActrID: actr(1), PowerReserve: f64(0.3)}
	s2 := ServiceInfo{ActrID: actr(2), PowerReserve: f64(0.9)}
	s3 := ServiceInfo{ActrID: actr(3), PowerReserve: f64(0.5)}
	s4 := ServiceInfo{ActrID: actr(4), PowerReserve: nil}

	got := Rank(Request{
		Services: []ServiceInfo{s1, s2, s3, s4},
		Criteria: NodeSelectionCriteria{
			RankingFactors: []RankingFactor{MaximumPowerReserve},
			CandidateCount: 10,
		},
	})

	require.Equal(t, []realm.ActrID{actr(2), actr(3), actr(1), actr(4)}, got)
}

type fakeCompatCache struct {
	outcomes map[[3]string]CompatibilityOutcome
}

func (f *fakeCompatCache) Lookup(service, from, to string) (CompatibilityOutcome, bool) {
	o, ok := f.outcomes[[3]string{service, from, to}]
	return o, ok
}

func TestRank_CompatibilityPrecision(t *testing.T) {
	cache := &fakeCompatCache{outcomes: map[[3]string]CompatibilityOutcome{
		{"api", "client-v2", "server-v2"}: Compatible,
		{"api", "client-v2", "server-v1"}: BackwardCompatible,
	}}
	s1 := ServiceInfo{ActrID: actr(1), ServiceName: "api", SpecFingerprint: "server-v1"}
	s2 := ServiceInfo{ActrID: actr(2), ServiceName: "api", SpecFingerprint: "server-v2"}

	got := Rank(Request{
		Services: []ServiceInfo{s1, s2},
		Criteria: NodeSelectionCriteria{
			RankingFactors: []RankingFactor{BestCompatibility},
			CandidateCount: 10,
		},
		Compat:   cache,
		ClientFP: "client-v2",
	})

	require.Equal(t, []realm.ActrID{actr(2), actr(1)}, got)
}

func TestRank_CompatibilityShortcut(t *testing.T) {
	cache := &fakeCompatCache{outcomes: map[[3]string]CompatibilityOutcome{}}
	s1 := ServiceInfo{ActrID: actr(1), ServiceName: "api", SpecFingerprint: "client-v2"}

	got := Rank(Request{
		Services: []ServiceInfo{s1},
		Criteria: NodeSelectionCriteria{
			RankingFactors: []RankingFactor{BestCompatibility},
			CandidateCount: 10,
		},
		Compat:   cache,
		ClientFP: "client-v2",
	})
	require.Equal(t, []realm.ActrID{actr(1)}, got)
}

func TestRank_Deterministic(t *testing.T) {
	svc := []ServiceInfo{
		{ActrID: actr(1), PowerReserve: f64(0.1)},
		{ActrID: actr(2), PowerReserve: f64(0.2)},
	}
	criteria := NodeSelectionCriteria{RankingFactors: []RankingFactor{MaximumPowerReserve}, CandidateCount: 10}

	first := Rank(Request{Services: svc, Criteria: criteria})
	second := Rank(Request{Services: svc, Criteria: criteria})
	require.Equal(t, first, second)
}

func TestRank_ClientAffinity(t *testing.T) {
	s1 := ServiceInfo{ActrID: actr(1)}
	s2 := ServiceInfo{ActrID: actr(2), StickyClientIDs: map[string]struct{}{"client-a": {}}}

	got := Rank(Request{
		Services: []ServiceInfo{s1, s2},
		Criteria: NodeSelectionCriteria{RankingFactors: []RankingFactor{ClientAffinity}, CandidateCount: 10},
		ClientID: "client-a",
	})
	require.Equal(t, []realm.ActrID{actr(2), actr(1)}, got)
}

func TestRank_HealthFilterTreatsNilAsIntermediate(t *testing.T) {
	degraded := HealthDegraded
	overloaded := HealthOverloaded
	s1 := ServiceInfo{ActrID: actr(1), AvailabilityState: &overloaded}
	s2 := ServiceInfo{ActrID: actr(2), AvailabilityState: nil} // treated as Intermediate
	s3 := ServiceInfo{ActrID: actr(3), AvailabilityState: &degraded}

	got := Rank(Request{
		Services: []ServiceInfo{s1, s2, s3},
		Criteria: NodeSelectionCriteria{
			MinimalHealthRequirement: &degraded,
			CandidateCount:           10,
		},
	})
	// Only s3 (Degraded) satisfies min=Degraded; s2 (Intermediate, worse
	// than Degraded) and s1 (Overloaded) are filtered out.
	require.Equal(t, []realm.ActrID{actr(3)}, got)
}
