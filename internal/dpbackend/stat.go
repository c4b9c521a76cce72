package dpbackend

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/privacytap/dpquery/internal/connector"
)

// supportedStatistics is the closed set of aggregate statistics all four
// adapters know how to answer. Anything else is
// INVALID_QUERY at Validate time — the Engine never reaches a backend
// with an unrecognized statistic.
var supportedStatistics = map[string]bool{
	"COUNT": true,
	"SUM":   true,
	"MEAN":  true,
}

// rawStatistic computes the exact (pre-noise) value of stat over column
// across rows. Non-numeric or missing values are skipped, matching the
// Dummy Generator's own tolerance for nullable columns.
func rawStatistic(rows []connector.Row, stat, column string) (float64, error) {
	if !supportedStatistics[stat] {
		return 0, fmt.Errorf("unsupported statistic %q", stat)
	}

	var sum float64
	var count int
	for _, row := range rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		sum += f
		count++
	}

	switch stat {
	case "COUNT":
		return float64(count), nil
	case "SUM":
		return sum, nil
	case "MEAN":
		if count == 0 {
			return 0, nil
		}
		return sum / float64(count), nil
	default:
		return 0, fmt.Errorf("unsupported statistic %q", stat)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// laplaceNoise draws a sample from Laplace(0, scale) using the standard
// inverse-CDF construction over a uniform draw on [-1/2, 1/2).
func laplaceNoise(rng *rand.Rand, scale float64) float64 {
	u := rng.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}

// gaussianNoise draws a sample from Normal(0, sigma) via Box-Muller,
// used by the CLASSICAL adapter's (epsilon, delta)-DP mechanism.
func gaussianNoise(rng *rand.Rand, sigma float64) float64 {
	u1, u2 := rng.Float64(), rng.Float64()
	if u1 == 0 {
		u1 = 1e-12
	}
	return sigma * math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
