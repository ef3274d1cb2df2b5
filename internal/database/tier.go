package database

// Tier is the discrete confidence bucket derived from a similarity score.
type Tier string

const (
	TierHigh     Tier = "HIGH"
	TierMedium   Tier = "MEDIUM"
	TierLow      Tier = "LOW"
	TierRejected Tier = "REJECTED"
)

// Tier boundaries. Each boundary is inclusive on the lower bound of its tier;
// the partition is exhaustive over [0, 1] with no gap or overlap.
const (
	ThresholdHigh   = 0.85
	ThresholdMedium = 0.70
	ThresholdLow    = 0.55
)

// ClassifyTier maps a cosine similarity score to a confidence tier.
func ClassifyTier(similarity float64) Tier {
	switch {
	case similarity >= ThresholdHigh:
		return TierHigh
	case similarity >= ThresholdMedium:
		return TierMedium
	case similarity >= ThresholdLow:
		return TierLow
	default:
		return TierRejected
	}
}

// PriorityForTier maps a confidence tier to a review queue priority.
// High-confidence candidates are reviewed first.
func PriorityForTier(t Tier) Priority {
	switch t {
	case TierHigh:
		return PriorityHigh
	case TierMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
