package domain

// Volatility sector boundaries. A sector is the largest rank swing between two
// snapshots that is still considered unremarkable for that part of the board;
// competitive stability decreases the further from the top, so the allowed
// swing widens. Ranks past the last boundary sit in an adaptation zone where
// movement is not policed.
const (
	SectorTop100     = 100
	SectorTop500     = 200
	SectorTop1000    = 300
	SectorTop2000    = 400
	SectorTop3000    = 500
	SectorAdaptation = 600
)

// VolatilitySector maps a rank to its sector. Monotonic step function: for
// r1 < r2, VolatilitySector(r1) <= VolatilitySector(r2).
func VolatilitySector(rank int) int {
	switch {
	case rank <= 100:
		return SectorTop100
	case rank <= 500:
		return SectorTop500
	case rank <= 1000:
		return SectorTop1000
	case rank <= 2000:
		return SectorTop2000
	case rank <= 3000:
		return SectorTop3000
	default:
		return SectorAdaptation
	}
}

// ExceedsVolatility reports whether a move from previousRank to rank is larger
// than the sector allows. A zero previousRank means the player has no history
// yet and is never flagged.
func ExceedsVolatility(previousRank, rank int) (exceededBy int, exceeded bool) {
	if previousRank <= 0 || rank <= 0 {
		return 0, false
	}
	if rank > 3000 {
		// adaptation zone, movement not policed
		return 0, false
	}
	sector := VolatilitySector(rank)
	delta := previousRank - rank
	if delta < 0 {
		delta = -delta
	}
	if delta > sector {
		return delta - sector, true
	}
	return 0, false
}
