// Package loadbalancer implements the signaling server's multi-factor
// ranker: a deterministic pipeline of health/dependency filters and a
// sequence of stable-sort ranking factors over candidate ServiceInfo
// records, producing an ordered list of ActrIds.
//
// The pipeline depends on sort stability to compose factors (the last
// factor in the list dominates); every stage here uses sort.SliceStable
// for exactly that reason.
package loadbalancer

import (
	"math"
	"sort"

	"github.com/actrix-rtc/actrixd/realm"
)

// HealthState orders from best to worst. A missing value is treated as
// Intermediate throughout this package (spec's pinned Open Question #2).
type HealthState int

const (
	HealthGood HealthState = iota
	HealthDegraded
	HealthIntermediate
	HealthOverloaded
)

// RankingFactor names one stage of the ranking pipeline. Callers SHOULD
// place the primary criterion last, since stable sorts compose and the
// last factor dominates.
type RankingFactor string

const (
	MaximumPowerReserve  RankingFactor = "maximum_power_reserve"
	MinimumMailboxBacklog RankingFactor = "minimum_mailbox_backlog"
	BestCompatibility    RankingFactor = "best_compatibility"
	Nearest              RankingFactor = "nearest"
	ClientAffinity       RankingFactor = "client_affinity"
)

// Coordinates is a (lat, lon) pair in degrees.
type Coordinates struct {
	Lat, Lon float64
}

// CompatibilityOutcome is the verdict the compatibility cache stores for
// a (service, from_fp, to_fp) triple.
type CompatibilityOutcome int

const (
	Incompatible CompatibilityOutcome = iota
	BackwardCompatible
	Compatible
)

// CompatibilityCache is the narrow surface the ranker needs from
// signaling/compat's in-memory cache.
type CompatibilityCache interface {
	Lookup(serviceName, fromFingerprint, toFingerprint string) (CompatibilityOutcome, bool)
}

// ServiceInfo is one candidate instance considered by the ranker. Optional
// fields are pointers so "missing" (spec's None) is distinguishable from
// a reported zero value.
type ServiceInfo struct {
	ActrID realm.ActrID

	ServiceName          string
	SpecFingerprint      string
	AvailabilityState    *HealthState
	WorstDependencyState *HealthState

	PowerReserve    *float64
	MailboxBacklog  *int64
	Location        *Coordinates
	StickyClientIDs map[string]struct{}
}

// NodeSelectionCriteria parameterizes one ranking run.
type NodeSelectionCriteria struct {
	CandidateCount              int
	RankingFactors               []RankingFactor
	MinimalHealthRequirement     *HealthState
	MinimalDependencyRequirement *HealthState
}

// Request bundles the optional caller context alongside the criteria.
type Request struct {
	Services   []ServiceInfo
	Criteria   NodeSelectionCriteria
	ClientID   string
	Location   *Coordinates
	Compat     CompatibilityCache
	ClientFP   string
}

// scored pairs a candidate with its precomputed compatibility score so
// later sort stages don't need to re-run the cache lookup.
type scored struct {
	info  ServiceInfo
	compat *float64
}

// Rank runs the deterministic pipeline described in spec.md §4.4 and
// returns the ranked ActrId list, truncated to CandidateCount.
func Rank(req Request) []realm.ActrID {
	candidates := make([]scored, 0, len(req.Services))
	for _, s := range req.Services {
		candidates = append(candidates, scored{info: s})
	}

	candidates = filterByHealth(candidates, req.Criteria.MinimalHealthRequirement)
	candidates = filterByDependency(candidates, req.Criteria.MinimalDependencyRequirement)
	candidates = preScoreCompatibility(candidates, req.Compat, req.ClientFP)

	for _, factor := range req.Criteria.RankingFactors {
		candidates = applyFactor(candidates, factor, req.ClientID, req.Location)
	}

	n := len(candidates)
	if req.Criteria.CandidateCount > 0 && req.Criteria.CandidateCount < n {
		n = req.Criteria.CandidateCount
	}
	out := make([]realm.ActrID, 0, n)
	for _, c := range candidates[:n] {
		out = append(out, c.info.ActrID)
	}
	return out
}

func effectiveHealth(h *HealthState) HealthState {
	if h == nil {
		return HealthIntermediate
	}
	return *h
}

func filterByHealth(in []scored, min *HealthState) []scored {
	if min == nil {
		sort.SliceStable(in, func(i, j int) bool {
			return effectiveHealth(in[i].info.AvailabilityState) < effectiveHealth(in[j].info.AvailabilityState)
		})
		return in
	}
	out := in[:0:0]
	for _, c := range in {
		if effectiveHealth(c.info.AvailabilityState) <= *min {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return effectiveHealth(out[i].info.AvailabilityState) < effectiveHealth(out[j].info.AvailabilityState)
	})
	return out
}

func filterByDependency(in []scored, min *HealthState) []scored {
	if min == nil {
		sort.SliceStable(in, func(i, j int) bool {
			return effectiveHealth(in[i].info.WorstDependencyState) < effectiveHealth(in[j].info.WorstDependencyState)
		})
		return in
	}
	out := in[:0:0]
	for _, c := range in {
		if effectiveHealth(c.info.WorstDependencyState) <= *min {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return effectiveHealth(out[i].info.WorstDependencyState) < effectiveHealth(out[j].info.WorstDependencyState)
	})
	return out
}

func preScoreCompatibility(in []scored, cache CompatibilityCache, clientFP string) []scored {
	if cache == nil || clientFP == "" {
		return in
	}
	for i := range in {
		if in[i].info.SpecFingerprint == clientFP {
			one := 1.0
			in[i].compat = &one
			continue
		}
		outcome, ok := cache.Lookup(in[i].info.ServiceName, clientFP, in[i].info.SpecFingerprint)
		if !ok {
			continue
		}
		var v float64
		switch outcome {
		case Compatible:
			v = 1.0
		case BackwardCompatible:
			v = 0.5
		case Incompatible:
			v = 0.0
		}
		in[i].compat = &v
	}
	return in
}

func applyFactor(in []scored, factor RankingFactor, clientID string, loc *Coordinates) []scored {
	switch factor {
	case MaximumPowerReserve:
		sort.SliceStable(in, func(i, j int) bool {
			pi, pj := in[i].info.PowerReserve, in[j].info.PowerReserve
			if pi == nil && pj == nil {
				return false
			}
			if pi == nil {
				return false
			}
			if pj == nil {
				return true
			}
			return *pi > *pj
		})
	case MinimumMailboxBacklog:
		sort.SliceStable(in, func(i, j int) bool {
			bi, bj := in[i].info.MailboxBacklog, in[j].info.MailboxBacklog
			if bi == nil && bj == nil {
				return false
			}
			if bi == nil {
				return false
			}
			if bj == nil {
				return true
			}
			return *bi < *bj
		})
	case BestCompatibility:
		sort.SliceStable(in, func(i, j int) bool {
			ci, cj := in[i].compat, in[j].compat
			if ci == nil && cj == nil {
				return false
			}
			if ci == nil {
				return false
			}
			if cj == nil {
				return true
			}
			return *ci > *cj
		})
	case Nearest:
		sort.SliceStable(in, func(i, j int) bool {
			li, lj := in[i].info.Location, in[j].info.Location
			if loc == nil {
				// No caller coordinates: prefer entries that have
				// coords over those that do not; otherwise preserve
				// input order.
				if li != nil && lj == nil {
					return true
				}
				return false
			}
			if li == nil && lj == nil {
				return false
			}
			if li == nil {
				return false
			}
			if lj == nil {
				return true
			}
			return haversine(*loc, *li) < haversine(*loc, *lj)
		})
	case ClientAffinity:
		sort.SliceStable(in, func(i, j int) bool {
			_, ai := in[i].info.StickyClientIDs[clientID]
			_, aj := in[j].info.StickyClientIDs[clientID]
			return ai && !aj
		})
	}
	return in
}

// haversine returns the great-circle distance in kilometers between a
// and b, using the mean Earth radius.
func haversine(a, b Coordinates) float64 {
	const earthRadiusKm = 6371.0
	lat1, lat2 := toRadians(a.Lat), toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
