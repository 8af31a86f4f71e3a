package calcconfig

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"loadengine/internal/analysis"
)

// Rollout controls which owners may run an algorithm version before it is fully released
type Rollout struct {
	AlgorithmVersion int     `json:"algorithm_version"`
	Percent          int     `json:"percent"` // 0-100
	Allow            []int64 `json:"allow"`
}

// Enabled reports whether owner may use the rollout's algorithm version.
// Listed owners are always enabled; everyone else falls into a stable bucket
// derived from the owner and version so raising the percentage only adds owners.
func (r Rollout) Enabled(ownerID int64) bool {
	if r.AlgorithmVersion == analysis.AlgorithmContinuous {
		return true
	}
	for _, id := range r.Allow {
		if id == ownerID {
			return true
		}
	}
	if r.Percent <= 0 {
		return false
	}
	if r.Percent >= 100 {
		return true
	}
	return Bucket(ownerID, r.AlgorithmVersion) < r.Percent
}

// Bucket places an owner in [0,100) for an algorithm version
func Bucket(ownerID int64, algorithm int) int {
	key := strconv.FormatInt(ownerID, 10) + ":" + strconv.Itoa(algorithm)
	return int(xxhash.Sum64String(key) % 100)
}
