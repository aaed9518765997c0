package bookfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatPersonName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Толстой Лев Николаевич", FormatPersonName("толстой", "лев", "николаевич"))
	assert.Equal(t, "Стругацкий Борис", FormatPersonName(" стругацкий ", "борис", ""))
	assert.Equal(t, "Doyle Arthur Conan", FormatPersonName("DOYLE", "ARTHUR", "CONAN"))
	assert.Equal(t, "", FormatPersonName("", " ", ""))
}

func TestCapitalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Война И Мир", Capitalize("вОЙНА и МИР"))
	assert.Equal(t, "O'brien", Capitalize("O'BRIEN"))
	assert.Equal(t, "1984", Capitalize("1984"))
	assert.Equal(t, "", Capitalize("   "))
}

func TestYearOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1869, YearOf("1869"))
	assert.Equal(t, 1869, YearOf("", "1869-01-01"))
	assert.Equal(t, 2008, YearOf("not a date", "2008-05"))
	assert.Zero(t, YearOf("186"))
	assert.Zero(t, YearOf("0001"))
	assert.Zero(t, YearOf("9999"))
	assert.Zero(t, YearOf())
}
