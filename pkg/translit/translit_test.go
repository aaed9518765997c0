package translit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrontGOST(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple surname",
			input:    "Толстой",
			expected: "Tolstojj",
		},
		{
			name:     "digraph letters",
			input:    "Жужжащий",
			expected: "Zhuzhzhashhijj",
		},
		{
			name:     "mixed scripts pass latin through",
			input:    "Стругацкий at work",
			expected: "Strugackijj at work",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Front(tt.input, GOST))
		})
	}
}

func TestFrontISO(t *testing.T) {
	assert.Equal(t, "Chexov", Front("Чехов", ISO))
	assert.Equal(t, "Yolka", Front("Ёлка", ISO))
	// hard and soft signs vanish in the ISO variant
	assert.Equal(t, "obem", Front("объем", ISO))
}

func TestBack(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "greedy three before two",
			input:    "shhuka",
			expected: "щука",
		},
		{
			name:     "two before one",
			input:    "zhar",
			expected: "жар",
		},
		{
			name:     "case from first window character",
			input:    "Zhukov",
			expected: "Жуков",
		},
		{
			name:     "unmatched characters pass through",
			input:    "w q 1812",
			expected: "w q 1812",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Back(tt.input))
		})
	}
}

func TestBackInvertsFront(t *testing.T) {
	for _, s := range []string{
		"Толстой Лев",
		"щёлочь",
		"Война и мир",
	} {
		assert.Equal(t, s, Back(Front(s, GOST)), s)
	}
}

func TestSoundex(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "latin name",
			input:    "Robert",
			expected: "R163",
		},
		{
			name:     "collapsed run",
			input:    "Anna",
			expected: "A500",
		},
		{
			name:     "padded short code",
			input:    "Lee",
			expected: "L000",
		},
		{
			name:     "cyrillic goes through iso first",
			input:    "Толстой",
			expected: "T423",
		},
		{
			name:     "case insensitive",
			input:    "toLSToy",
			expected: "T423",
		},
		{
			name:     "empty",
			input:    "",
			expected: "0000",
		},
		{
			name:     "punctuation only",
			input:    "...",
			expected: "0000",
		},
		{
			name:     "digits only",
			input:    "451",
			expected: "0000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Soundex(tt.input))
		})
	}
}

func TestSoundexMatchesAcrossScripts(t *testing.T) {
	// The point of the exercise: a query typed in either script produces the
	// same code as the stored column.
	assert.Equal(t, Soundex("Чехов"), Soundex("Chexov"))
}

func TestCompare(t *testing.T) {
	// letters before digits before punctuation
	assert.Equal(t, -1, Compare("abc", "123", false))
	assert.Equal(t, -1, Compare("123", "...", false))

	// case-insensitive within a class
	assert.Equal(t, 0, Compare("Pushkin", "pushkin", false))

	// prefix sorts first
	assert.Equal(t, -1, Compare("Пушкин", "Пушкина", true))
}

func TestCompareCyrillicFirst(t *testing.T) {
	assert.Equal(t, -1, Compare("Пушкин", "Pushkin", true))
	assert.Equal(t, 1, Compare("Пушкин", "Pushkin", false))
	assert.True(t, Less("Яшин", "Abc", true))
	assert.True(t, Less("Abc", "Яшин", false))
}

func TestHasCyrillic(t *testing.T) {
	assert.True(t, HasCyrillic("Лев Толстой"))
	assert.True(t, HasCyrillic("mixed Пушкин text"))
	assert.False(t, HasCyrillic("plain latin"))
	assert.False(t, HasCyrillic(""))
}
