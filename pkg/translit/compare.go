package translit

import "unicode"

// Rune classes for catalog ordering: letters sort before digits, digits
// before everything else. With cyrillicFirst set, Cyrillic letters form
// their own class ahead of the rest.
func runeClass(r rune, cyrillicFirst bool) int {
	switch {
	case unicode.IsLetter(r):
		if cyrillicFirst && r >= 0x0400 {
			return 0
		}
		return 1
	case unicode.IsDigit(r):
		return 2
	default:
		return 3
	}
}

// Compare orders catalog entries the way index pages present them. It
// returns -1, 0 or 1. Comparison is case-insensitive; within the same rune
// class ordering falls back to codepoint order.
func Compare(a, b string, cyrillicFirst bool) int {
	ar := []rune(a)
	br := []rune(b)
	for i := 0; i < len(ar) && i < len(br); i++ {
		ca := runeClass(ar[i], cyrillicFirst)
		cb := runeClass(br[i], cyrillicFirst)
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		la := unicode.ToLower(ar[i])
		lb := unicode.ToLower(br[i])
		if la != lb {
			if la < lb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ar) < len(br):
		return -1
	case len(ar) > len(br):
		return 1
	}
	return 0
}

// Less is a sort.Slice-friendly wrapper around Compare.
func Less(a, b string, cyrillicFirst bool) bool {
	return Compare(a, b, cyrillicFirst) < 0
}
