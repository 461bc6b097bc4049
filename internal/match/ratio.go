package match

import "strings"

// Ratio returns a normalized similarity score in [0,1] between two strings,
// computed over their lower-cased forms using Ratcliff/Obershelp matching:
// twice the number of matching characters divided by the total length.
// Two empty strings are considered identical.
func Ratio(a, b string) float64 {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	return 2.0 * float64(matchingChars(ra, rb, 0, len(ra), 0, len(rb))) / float64(total)
}

// matchingChars counts matched characters by finding the longest common
// block and recursing into the unmatched regions on each side of it.
func matchingChars(a, b []rune, alo, ahi, blo, bhi int) int {
	i, j, size := longestMatch(a, b, alo, ahi, blo, bhi)
	if size == 0 {
		return 0
	}
	return size +
		matchingChars(a, b, alo, i, blo, j) +
		matchingChars(a, b, i+size, ahi, j+size, bhi)
}

// longestMatch finds the longest block a[i:i+size] == b[j:j+size] within the
// given bounds, preferring the earliest block on ties.
func longestMatch(a, b []rune, alo, ahi, blo, bhi int) (besti, bestj, size int) {
	b2j := make(map[rune][]int, bhi-blo)
	for j := blo; j < bhi; j++ {
		b2j[b[j]] = append(b2j[b[j]], j)
	}

	besti, bestj = alo, blo
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		newj2len := make(map[int]int)
		for _, j := range b2j[a[i]] {
			k := j2len[j-1] + 1
			newj2len[j] = k
			if k > size {
				besti, bestj, size = i-k+1, j-k+1, k
			}
		}
		j2len = newj2len
	}
	return besti, bestj, size
}
