package experiments

import "reflect"

// MatchesTargeting reports whether a subject's attributes satisfy an
// experiment's targeting rules. Empty rules always match (targeting is
// opt-in). Non-empty rules with no attributes never match. Otherwise every
// rule key must be present with an exactly equal value; there are no ranges,
// regexes, or boolean combinators.
func MatchesTargeting(rules, attributes map[string]any) bool {
	if len(rules) == 0 {
		return true
	}
	if len(attributes) == 0 {
		return false
	}
	for key, want := range rules {
		got, ok := attributes[key]
		if !ok {
			return false
		}
		// Values arrive through JSON, so non-comparable types are possible.
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// InTrafficAllocation reports whether a subject falls inside an experiment's
// traffic percentage. Allocation is monotonic: a subject included at
// percentage P is included at every percentage >= P, because the subject's
// bucket is fixed and only the threshold moves.
func InTrafficAllocation(experimentKey string, trafficPct int, subjectID string) bool {
	if trafficPct >= 100 {
		return true
	}
	if trafficPct <= 0 {
		return false
	}
	bucket := BucketHash(experimentKey+":traffic:"+subjectID) % 100
	return int(bucket) < trafficPct
}

// SelectVariant deterministically picks one variant from a weighted set.
// Variants must be in stored position order; reordering changes every
// subject's assignment. Returns nil for an empty variant set.
func SelectVariant(variants []*Variant, experimentKey, subjectID string) *Variant {
	if len(variants) == 0 {
		return nil
	}

	totalWeight := 0
	for _, v := range variants {
		totalWeight += v.Weight
	}
	if totalWeight <= 0 {
		return variants[len(variants)-1]
	}

	bucket := int(BucketHash(experimentKey+":variant:"+subjectID) % uint32(totalWeight))

	cumulative := 0
	for _, v := range variants {
		cumulative += v.Weight
		if bucket < cumulative {
			return v
		}
	}

	// Unreachable: bucket < totalWeight, so the walk always matches.
	return variants[len(variants)-1]
}
