package database

// HNSW parameters for 512-dim face embeddings.
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	HNSWMaxNeighbors = 16

	// HNSWEfSearchStandard is the pgvector candidate pool size for live
	// citizen queries (latency over recall).
	HNSWEfSearchStandard = 100

	// HNSWEfSearchPrecise is the pgvector candidate pool size for
	// human-review workflows (recall over latency).
	HNSWEfSearchPrecise = 400

	// HNSWSearchMultiplierStandard scales the requested in-memory candidate
	// count so enough survive threshold and searchable filtering.
	HNSWSearchMultiplierStandard = 3

	// HNSWSearchMultiplierPrecise is the wider multiplier for precise mode.
	HNSWSearchMultiplierPrecise = 10

	// HNSWMinSearchK is the floor on the in-memory candidate pool.
	HNSWMinSearchK = 100
)

// Search defaults mirroring the recognition service contract.
const (
	// DefaultSearchThreshold is the REJECTED tier boundary.
	DefaultSearchThreshold = ThresholdLow

	// DefaultMaxResults bounds a search when the caller does not say.
	DefaultMaxResults = 20

	// MaxMaxResults is the hard cap on requested candidates.
	MaxMaxResults = 100
)
