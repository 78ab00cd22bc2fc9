package medfed

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig configures the aggregation and trust engine.
type EngineConfig struct {
	// CollectionTimeout bounds the submission window of a round. When it
	// fires the round moves to aggregating with whatever was collected.
	CollectionTimeout time.Duration `json:"collection_timeout" yaml:"collection_timeout"`

	// QuorumSize is the minimum number of accepted updates required before
	// aggregation is attempted.
	QuorumSize int `json:"quorum_size" yaml:"quorum_size"`

	// MaxIterations caps the Weiszfeld outer loop.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// ConvergenceEpsilon stops the Weiszfeld loop once the estimate moves
	// less than this between iterations.
	ConvergenceEpsilon float64 `json:"convergence_epsilon" yaml:"convergence_epsilon"`

	// EpsilonFloor is substituted for a zero distance during inverse-distance
	// reweighting, so a vector coinciding with the estimate never yields an
	// infinite weight.
	EpsilonFloor float64 `json:"epsilon_floor" yaml:"epsilon_floor"`

	// TrustScale tunes the distance-to-score transfer function
	// score = 1/(1+distance/scale). Institution-specific.
	TrustScale float64 `json:"trust_scale" yaml:"trust_scale"`

	// RoundEpsilonMax / RoundDeltaMax bound the (epsilon, delta) a single
	// submission may declare.
	RoundEpsilonMax float64 `json:"round_epsilon_max" yaml:"round_epsilon_max"`
	RoundDeltaMax   float64 `json:"round_delta_max" yaml:"round_delta_max"`

	// TotalEpsilonBudget bounds a participant's cumulative epsilon spend
	// across all rounds.
	TotalEpsilonBudget float64 `json:"total_epsilon_budget" yaml:"total_epsilon_budget"`

	// Sensitivity is the L2 sensitivity assumed by the Gaussian mechanism the
	// participants apply locally. Institution-specific.
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity"`

	// Codec configures the CKKS scheme for the sensitive-layer ciphertexts.
	Codec CodecConfig `json:"codec" yaml:"codec"`
}

// DefaultEngineConfig returns the defaults used when fields are zero.
// Tunables with institution-specific meaning (TrustScale, Sensitivity,
// budgets) carry neutral defaults and are expected to be overridden.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CollectionTimeout:  5 * time.Minute,
		QuorumSize:         2,
		MaxIterations:      100,
		ConvergenceEpsilon: 1e-5,
		EpsilonFloor:       1e-12,
		TrustScale:         1.0,
		RoundEpsilonMax:    1.0,
		RoundDeltaMax:      1e-5,
		TotalEpsilonBudget: 10.0,
		Sensitivity:        1.0,
		Codec:              DefaultCodecConfig(),
	}
}

// backfill fills zero-valued fields from the defaults.
func (c *EngineConfig) backfill() {
	def := DefaultEngineConfig()
	if c.CollectionTimeout <= 0 {
		c.CollectionTimeout = def.CollectionTimeout
	}
	if c.QuorumSize <= 0 {
		c.QuorumSize = def.QuorumSize
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.ConvergenceEpsilon <= 0 {
		c.ConvergenceEpsilon = def.ConvergenceEpsilon
	}
	if c.EpsilonFloor <= 0 {
		c.EpsilonFloor = def.EpsilonFloor
	}
	if c.TrustScale <= 0 {
		c.TrustScale = def.TrustScale
	}
	if c.RoundEpsilonMax <= 0 {
		c.RoundEpsilonMax = def.RoundEpsilonMax
	}
	if c.RoundDeltaMax <= 0 {
		c.RoundDeltaMax = def.RoundDeltaMax
	}
	if c.TotalEpsilonBudget <= 0 {
		c.TotalEpsilonBudget = def.TotalEpsilonBudget
	}
	if c.Sensitivity <= 0 {
		c.Sensitivity = def.Sensitivity
	}
	c.Codec.backfill()
}

// LoadEngineConfig reads an EngineConfig from a YAML file. Unset fields fall
// back to defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := EngineConfig{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.backfill()
	return cfg, nil
}
