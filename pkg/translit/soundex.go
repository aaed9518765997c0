package translit

import "strings"

// soundexCode returns the classic six-bucket digit for an uppercase Latin
// letter, or 0 for vowels and the silent set {h, w, y}.
func soundexCode(ch byte) byte {
	switch ch {
	case 'B', 'F', 'P', 'V':
		return 1
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return 2
	case 'D', 'T':
		return 3
	case 'L':
		return 4
	case 'M', 'N':
		return 5
	case 'R':
		return 6
	}
	return 0
}

// Soundex returns the four-character Russian Soundex code for a name.
// Cyrillic input is transliterated through the ISO table first, so queries
// and stored codes are comparable regardless of the input script. The code
// is the first letter verbatim followed by consonant digits, with runs of
// the same digit collapsed and vowels acting as separators; it is padded
// with zeros to exactly four characters. Input with no letters gets the
// all-zero code, so the result is always four characters long.
func Soundex(name string) string {
	latin := strings.ToUpper(Front(name, ISO))

	var out [4]byte
	n := 0
	var last byte
	for i := 0; i < len(latin) && n < 4; i++ {
		ch := latin[i]
		if ch < 'A' || ch > 'Z' {
			last = 0
			continue
		}
		code := soundexCode(ch)
		if n == 0 {
			out[0] = ch
			n = 1
			last = code
			continue
		}
		if code == 0 {
			last = 0
			continue
		}
		if code != last {
			out[n] = '0' + code
			n++
		}
		last = code
	}
	if n == 0 {
		return "0000"
	}
	for ; n < 4; n++ {
		out[n] = '0'
	}
	return string(out[:])
}
