package epub

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOPF_EPUB2(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:opf="http://www.idpf.org/2007/opf">
    <dc:title>Мы</dc:title>
    <dc:creator opf:role="aut" opf:file-as="Замятин, Евгений">Евгений Замятин</dc:creator>
    <dc:creator opf:role="ill">Кто-то Ещё</dc:creator>
    <dc:contributor opf:role="trl">Clarence Brown</dc:contributor>
    <dc:identifier id="bookid">urn:uuid:aaaa-bbbb-cccc</dc:identifier>
    <dc:identifier opf:scheme="ISBN">9780140185853</dc:identifier>
    <dc:language>ru-RU</dc:language>
    <dc:subject>sf_social</dc:subject>
    <dc:subject> prose </dc:subject>
    <dc:date>1924-01-01</dc:date>
    <dc:description>&lt;p&gt;Роман-антиутопия.&lt;/p&gt;</dc:description>
    <meta name="cover" content="cover-img"/>
    <meta name="calibre:series" content="Антиутопии"/>
    <meta name="calibre:series_index" content="2.0"/>
  </metadata>
  <manifest>
    <item id="cover-img" href="images/cover.jpg" media-type="image/jpeg"/>
    <item id="ch1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
</package>`

	meta, err := ParseOPF("OPS/content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)

	assert.Equal(t, "aaaa-bbbb-cccc", meta.ID)
	assert.Equal(t, "Мы", meta.Title)
	assert.Equal(t, "ru", meta.Language)
	assert.Equal(t, []string{"Замятин Евгений"}, meta.Authors)
	assert.Equal(t, []string{"Brown Clarence"}, meta.Translators)
	assert.Equal(t, []string{"sf_social", "prose"}, meta.Genres)
	assert.Equal(t, "Роман-антиутопия.", meta.Annotation)
	assert.Equal(t, 1924, meta.BookDate)
	assert.True(t, meta.HasCover)
	assert.Equal(t, "OPS/images/cover.jpg", meta.CoverRef)

	require.Len(t, meta.Sequences, 1)
	assert.Equal(t, "Антиутопии", meta.Sequences[0].Name)
	assert.Equal(t, 2, meta.Sequences[0].Number)
}

func TestParseOPF_EPUB3(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title id="t1">The Fellowship of the Ring</dc:title>
    <dc:title id="t2">Being the First Part of The Lord of the Rings</dc:title>
    <meta refines="#t1" property="title-type">main</meta>
    <meta refines="#t2" property="title-type">subtitle</meta>
    <dc:creator id="creator">J. R. R. Tolkien</dc:creator>
    <meta refines="#creator" property="role" scheme="marc:relators">aut</meta>
    <meta refines="#creator" property="file-as">Tolkien, J. R. R.</meta>
    <dc:identifier id="pub-id">urn:uuid:1111-2222</dc:identifier>
    <dc:language>en</dc:language>
    <meta property="dcterms:modified">2014-04-02T12:00:00Z</meta>
    <meta property="belongs-to-collection" id="c01">The Lord of the Rings</meta>
    <meta refines="#c01" property="collection-type">series</meta>
    <meta refines="#c01" property="group-position">1</meta>
  </metadata>
  <manifest>
    <item id="img-cover" href="cover.png" media-type="image/png" properties="cover-image"/>
  </manifest>
</package>`

	meta, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)

	assert.Equal(t, "1111-2222", meta.ID)
	assert.Equal(t, "The Fellowship of the Ring", meta.Title)
	assert.Equal(t, []string{"Tolkien J. R. R."}, meta.Authors)
	assert.Equal(t, "en", meta.Language)
	require.NotNil(t, meta.DocumentDate)
	assert.Equal(t, time.Date(2014, 4, 2, 12, 0, 0, 0, time.UTC), *meta.DocumentDate)
	assert.True(t, meta.HasCover)
	assert.Equal(t, "cover.png", meta.CoverRef)

	require.Len(t, meta.Sequences, 1)
	assert.Equal(t, "The Lord of the Rings", meta.Sequences[0].Name)
	assert.Equal(t, 1, meta.Sequences[0].Number)
}

func TestParseOPF_NameReorderHeuristic(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>The Hound of the Baskervilles</dc:title>
    <dc:creator>Arthur Conan Doyle</dc:creator>
  </metadata>
</package>`

	meta, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Equal(t, []string{"Doyle Arthur Conan"}, meta.Authors)
}

func TestParseOPF_CoverByItemID(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>X</dc:title>
  </metadata>
  <manifest>
    <item id="cover" href="cover%20art.jpeg" media-type="image/jpeg"/>
  </manifest>
</package>`

	meta, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.True(t, meta.HasCover)
	assert.Equal(t, "cover art.jpeg", meta.CoverRef)
}

func TestParseOPF_Minimal(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Bare</dc:title>
  </metadata>
</package>`

	meta, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Equal(t, "Bare", meta.Title)
	assert.Empty(t, meta.ID)
	assert.Empty(t, meta.Authors)
	assert.False(t, meta.HasCover)
	assert.Nil(t, meta.DocumentDate)
	assert.Zero(t, meta.BookDate)
}

func TestParseOPF_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ParseOPF("content.opf", strings.NewReader("not xml at all <"))
	require.Error(t, err)
}
