// Package translit converts between Cyrillic and Latin author and title
// forms. Two fixed substitution tables are carried: GOST 16876-71, whose
// digraphs are unambiguous enough to translate back, and the ASCII ISO-9
// variant used to feed the soundex encoder. Both sides of every comparison
// go through the same table, which is what makes the stored search columns
// usable.
package translit

import (
	"strings"
	"unicode"
)

// Table selects the substitution table for Front.
type Table int

const (
	// GOST is the reversible GOST 16876-71 romanization.
	GOST Table = iota
	// ISO is the ASCII ISO-9 variant, used for soundex input.
	ISO
)

var gostTable = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "jo",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "jj", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "kh", 'ц': "c", 'ч': "ch", 'ш': "sh", 'щ': "shh",
	'ъ': "\"", 'ы': "y", 'ь': "'", 'э': "eh", 'ю': "ju", 'я': "ja",
	'А': "A", 'Б': "B", 'В': "V", 'Г': "G", 'Д': "D", 'Е': "E", 'Ё': "Jo",
	'Ж': "Zh", 'З': "Z", 'И': "I", 'Й': "Jj", 'К': "K", 'Л': "L", 'М': "M",
	'Н': "N", 'О': "O", 'П': "P", 'Р': "R", 'С': "S", 'Т': "T", 'У': "U",
	'Ф': "F", 'Х': "Kh", 'Ц': "C", 'Ч': "Ch", 'Ш': "Sh", 'Щ': "Shh",
	'Ъ': "\"", 'Ы': "Y", 'Ь': "'", 'Э': "Eh", 'Ю': "Ju", 'Я': "Ja",
}

var isoTable = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "yo",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "j", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "x", 'ц': "c", 'ч': "ch", 'ш': "sh", 'щ': "shh",
	'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
	'А': "A", 'Б': "B", 'В': "V", 'Г': "G", 'Д': "D", 'Е': "E", 'Ё': "Yo",
	'Ж': "Zh", 'З': "Z", 'И': "I", 'Й': "J", 'К': "K", 'Л': "L", 'М': "M",
	'Н': "N", 'О': "O", 'П': "P", 'Р': "R", 'С': "S", 'Т': "T", 'У': "U",
	'Ф': "F", 'Х': "X", 'Ц': "C", 'Ч': "Ch", 'Ш': "Sh", 'Щ': "Shh",
	'Ъ': "", 'Ы': "Y", 'Ь': "", 'Э': "E", 'Ю': "Yu", 'Я': "Ya",
}

// gostBack maps lowercase Latin sequences to their Cyrillic source. Lookup
// is greedy over 3, then 2, then 1-character windows, so "shh" wins over
// "sh" and "sh" over "s".
var gostBack = map[string]rune{
	"shh": 'щ',
	"zh":  'ж', "jo": 'ё', "jj": 'й', "kh": 'х', "ch": 'ч', "sh": 'ш',
	"eh": 'э', "ju": 'ю', "ja": 'я',
	"a": 'а', "b": 'б', "v": 'в', "g": 'г', "d": 'д', "e": 'е', "z": 'з',
	"i": 'и', "k": 'к', "l": 'л', "m": 'м', "n": 'н', "o": 'о', "p": 'п',
	"r": 'р', "s": 'с', "t": 'т', "u": 'у', "f": 'ф', "c": 'ц', "y": 'ы',
	"\"": 'ъ', "'": 'ь',
}

// Front transliterates Cyrillic text to Latin with the chosen table.
// Characters outside the table pass through unchanged.
func Front(s string, t Table) string {
	table := gostTable
	if t == ISO {
		table = isoTable
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if repl, ok := table[r]; ok {
			b.WriteString(repl)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Back translates a GOST-romanized string to Cyrillic using greedy
// longest-match. Case follows the first character of each matched window, so
// "Zhukov" comes back as "Жуков". Unmatched characters pass through.
func Back(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes))
	for i := 0; i < len(runes); {
		matched := false
		for width := 3; width >= 1; width-- {
			if i+width > len(runes) {
				continue
			}
			window := strings.ToLower(string(runes[i : i+width]))
			cyr, ok := gostBack[window]
			if !ok {
				continue
			}
			if unicode.IsUpper(runes[i]) {
				cyr = unicode.ToUpper(cyr)
			}
			b.WriteRune(cyr)
			i += width
			matched = true
			break
		}
		if !matched {
			b.WriteRune(runes[i])
			i++
		}
	}
	return b.String()
}

// HasCyrillic reports whether s contains at least one Cyrillic character.
func HasCyrillic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}
