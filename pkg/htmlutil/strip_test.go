package htmlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripTags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "plain text",
			input:    "Hello world",
			expected: "Hello world",
		},
		{
			name:     "paragraphs become newlines",
			input:    "<p>Первый абзац.</p><p>Второй.</p>",
			expected: "Первый абзац.\nВторой.",
		},
		{
			name:     "inline markup dropped",
			input:    "<p>со <emphasis>курсивом</emphasis> и <strong>жирным</strong></p>",
			expected: "со курсивом и жирным",
		},
		{
			name:     "fb2 empty-line and subtitle",
			input:    "<subtitle>I</subtitle><p>text</p><empty-line/><p>more</p>",
			expected: "I\ntext\nmore",
		},
		{
			name:     "fb2 verse",
			input:    "<poem><stanza><v>строка раз</v><v>строка два</v></stanza></poem>",
			expected: "строка раз\nстрока два",
		},
		{
			name:     "html description",
			input:    "<div>Line one<br/>Line two</div>",
			expected: "Line one\nLine two",
		},
		{
			name:     "entities decoded",
			input:    "<p>&laquo;Мы&raquo; &mdash; роман &amp; антиутопия</p>",
			expected: "«Мы» — роман & антиутопия",
		},
		{
			name:     "whitespace collapsed per line",
			input:    "<p>a   lot\t\tof   space</p>",
			expected: "a lot of space",
		},
		{
			name:     "blank paragraphs removed",
			input:    "<p>a</p><p>  </p><p></p><p>b</p>",
			expected: "a\nb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, StripTags(tt.input))
		})
	}
}
