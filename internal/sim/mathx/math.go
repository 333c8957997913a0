package mathx

// FloorDiv divides rounding toward negative infinity. b must be > 0.
func FloorDiv(a, b int64) int64 {
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

// Mod is the non-negative remainder of a/b. b must be > 0.
func Mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func MaxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int64) uint64 {
	v := uint64(seed) ^ (uint64(x) * 0x9e3779b97f4a7c15) ^ (uint64(z) * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func Hash3(seed int64, x, y, z int64) uint64 {
	v := uint64(seed) ^ (uint64(x) * 0x9e3779b97f4a7c15) ^ (uint64(y) * 0xc2b2ae3d27d4eb4f) ^ (uint64(z) * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
