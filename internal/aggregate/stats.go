package aggregate

import "math"

// z 值：95% 正态区间
const z95 = 1.96

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// popStdDev 总体标准差（除以 n，不是 n-1）
func popStdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// sem 均值标准误 sd/sqrt(n)
func sem(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return popStdDev(xs) / math.Sqrt(float64(len(xs)))
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// winRate prioritized/(prioritized+deprioritized)，分母为 0 时返回 0
func winRate(prioritized, deprioritized int) float64 {
	total := prioritized + deprioritized
	if total == 0 {
		return 0
	}
	return float64(prioritized) / float64(total)
}

func minMax(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// wilsonCI Wilson score 区间，用于合并计数后的 pooled winRate
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	return math.Max(0, center-half), math.Min(1, center+half)
}
