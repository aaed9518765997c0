package epub

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:opf="http://www.idpf.org/2007/opf">
    <dc:title>Пикник на обочине</dc:title>
    <dc:creator opf:file-as="Стругацкий, Аркадий">Аркадий Стругацкий</dc:creator>
    <dc:identifier id="bookid">picnic-72</dc:identifier>
    <dc:language>ru</dc:language>
    <meta name="cover" content="cover-img"/>
  </metadata>
  <manifest>
    <item id="cover-img" href="cover.png" media-type="image/png"/>
  </manifest>
</package>`

const testContainer = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

// 1x1 transparent PNG
var testPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg==")

func buildEPUB(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	t.Parallel()

	b := buildEPUB(t, map[string][]byte{
		"mimetype":               []byte("application/epub+zip"),
		"META-INF/container.xml": []byte(testContainer),
		"OPS/content.opf":        []byte(testOPF),
		"OPS/cover.png":          testPNG,
	})

	meta, err := Parse(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)

	assert.Equal(t, "picnic-72", meta.ID)
	assert.Equal(t, "Пикник на обочине", meta.Title)
	assert.Equal(t, []string{"Стругацкий Аркадий"}, meta.Authors)
	assert.True(t, meta.HasCover)
	assert.Equal(t, "OPS/cover.png", meta.CoverRef)
}

func TestParse_NoContainerFallsBackToOPFScan(t *testing.T) {
	t.Parallel()

	b := buildEPUB(t, map[string][]byte{
		"mimetype":        []byte("application/epub+zip"),
		"OPS/content.opf": []byte(testOPF),
	})

	meta, err := Parse(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	assert.Equal(t, "Пикник на обочине", meta.Title)
}

func TestParse_NoOPF(t *testing.T) {
	t.Parallel()

	b := buildEPUB(t, map[string][]byte{"mimetype": []byte("application/epub+zip")})

	_, err := Parse(bytes.NewReader(b), int64(len(b)))
	require.Error(t, err)
}

func TestParse_NotAZip(t *testing.T) {
	t.Parallel()

	_, err := Parse(bytes.NewReader([]byte("plain text")), 10)
	require.Error(t, err)
}

func TestCover(t *testing.T) {
	t.Parallel()

	b := buildEPUB(t, map[string][]byte{
		"META-INF/container.xml": []byte(testContainer),
		"OPS/content.opf":        []byte(testOPF),
		"OPS/cover.png":          testPNG,
	})

	data, mime, err := Cover(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	assert.Equal(t, testPNG, data)
	assert.Equal(t, "image/png", mime)
}

func TestCover_Missing(t *testing.T) {
	t.Parallel()

	// Cover declared in the OPF but the image entry itself is absent.
	b := buildEPUB(t, map[string][]byte{
		"META-INF/container.xml": []byte(testContainer),
		"OPS/content.opf":        []byte(testOPF),
	})

	data, mime, err := Cover(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Empty(t, mime)
}
