package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleIndex = `<?xml version="1.0" encoding="utf-8"?>
<index version="1" name="Sample Repo">
  <category name="Scripts Category">
    <reapack name="hello.lua" type="script">
      <version name="1.0" author="cfillion">
        <changelog><![CDATA[Initial release]]></changelog>
        <source platform="generic" main="true">https://example.com/hello_1.lua</source>
      </version>
      <version name="1.1" author="cfillion">
        <changelog><![CDATA[Fixed a bug]]></changelog>
        <source platform="generic" main="true">https://example.com/hello_1_1.lua</source>
        <source platform="win64" file="hello-win.lua">https://example.com/hello_win.lua</source>
      </version>
    </reapack>
  </category>
  <category name="common">
    <reapack name="conflict.jsfx" type="effect">
      <version name="2015.03.12">
        <source platform="generic" file="x.jsfx">https://example.com/x.jsfx</source>
      </version>
    </reapack>
  </category>
</index>`

func TestParseBuildsBackReferences(t *testing.T) {
	ix, err := Parse([]byte(sampleIndex), "Sample Remote")
	require.NoError(t, err)
	assert.Equal(t, "Sample Repo", ix.Name)
	require.Len(t, ix.Categories, 2)

	pkg := ix.Categories[0].Packages[0]
	assert.Same(t, ix.Categories[0], pkg.Category())

	ver := pkg.Versions[1]
	assert.Same(t, pkg, ver.Package())
	assert.Equal(t, "1.1", ver.Name)

	src := ver.Sources[0]
	assert.Same(t, ver, src.Version())
}

func TestVersionsAreSortedAscending(t *testing.T) {
	ix, err := Parse([]byte(sampleIndex), "r")
	require.NoError(t, err)

	pkg := ix.Categories[0].Packages[0]
	require.Len(t, pkg.Versions, 2)
	assert.Equal(t, "1.0", pkg.Versions[0].Name)
	assert.Equal(t, "1.1", pkg.Versions[1].Name)
	assert.Equal(t, pkg.Versions[1], pkg.LastVersion())
}

func TestDuplicateVersionNameRejected(t *testing.T) {
	doc := `<index version="1" name="r"><category name="c">
    <reapack name="p" type="script">
      <version name="1.0"><source platform="generic">u1</source></version>
      <version name="1.0"><source platform="generic">u2</source></version>
    </reapack></category></index>`

	_, err := Parse([]byte(doc), "r")
	require.Error(t, err)
	assert.IsType(t, &ErrInvalidIndex{}, err)
}

func TestVersionWithNoSourceRejected(t *testing.T) {
	doc := `<index version="1" name="r"><category name="c">
    <reapack name="p" type="script"><version name="1.0"></version></reapack>
    </category></index>`

	_, err := Parse([]byte(doc), "r")
	require.Error(t, err)
}

func TestUnknownPlatformDisqualifiesSource(t *testing.T) {
	doc := `<index version="1" name="r"><category name="c">
    <reapack name="p" type="script">
      <version name="1.0">
        <source platform="amiga">u1</source>
        <source platform="generic">u2</source>
      </version>
    </reapack></category></index>`

	ix, err := Parse([]byte(doc), "r")
	require.NoError(t, err)
	ver := ix.Categories[0].Packages[0].Versions[0]
	require.Len(t, ver.Sources, 1)
	assert.Equal(t, "u2", ver.Sources[0].URL)
}

func TestLastVersionForRespectsPlatform(t *testing.T) {
	doc := `<index version="1" name="r"><category name="c">
    <reapack name="p" type="script">
      <version name="1.0"><source platform="generic">u1</source></version>
      <version name="1.1"><source platform="win64">u2</source></version>
    </reapack></category></index>`

	ix, err := Parse([]byte(doc), "r")
	require.NoError(t, err)
	pkg := ix.Categories[0].Packages[0]

	assert.Equal(t, "1.1", pkg.LastVersionFor(PlatformWin64).Name)
	assert.Equal(t, "1.0", pkg.LastVersionFor(PlatformLinux64).Name)
}

func TestTargetPathByPackageType(t *testing.T) {
	ix, err := Parse([]byte(sampleIndex), "r")
	require.NoError(t, err)

	scriptSrc := ix.Categories[0].Packages[0].Versions[0].Sources[0]
	path, err := scriptSrc.TargetPath()
	require.NoError(t, err)
	assert.Equal(t, "Scripts/Sample Repo/Scripts Category/hello_1.lua", path)

	effectSrc := ix.Categories[1].Packages[0].Versions[0].Sources[0]
	path, err = effectSrc.TargetPath()
	require.NoError(t, err)
	assert.Equal(t, "Effects/Sample Repo/common/x.jsfx", path)
}

func TestRoundTrip(t *testing.T) {
	ix, err := Parse([]byte(sampleIndex), "r")
	require.NoError(t, err)

	emitted, err := Emit(ix)
	require.NoError(t, err)

	reparsed, err := Parse(emitted, "r")
	require.NoError(t, err)

	assert.Equal(t, len(ix.Categories), len(reparsed.Categories))
	for ci, c := range ix.Categories {
		assert.Equal(t, c.Name, reparsed.Categories[ci].Name)
		for pi, p := range c.Packages {
			rp := reparsed.Categories[ci].Packages[pi]
			assert.Equal(t, p.Name, rp.Name)
			assert.Equal(t, p.Type, rp.Type)
			require.Len(t, rp.Versions, len(p.Versions))
			for vi, v := range p.Versions {
				assert.Equal(t, v.Name, rp.Versions[vi].Name)
				require.Len(t, rp.Versions[vi].Sources, len(v.Sources))
				for si, s := range v.Sources {
					assert.Equal(t, s.URL, rp.Versions[vi].Sources[si].URL)
					assert.Equal(t, s.Platform, rp.Versions[vi].Sources[si].Platform)
				}
			}
		}
	}
}

func TestVersionOrderingTotalAndTransitive(t *testing.T) {
	versions := []string{"1.0", "1.0.1", "1.1", "2.0", "2015.03.12", "2015.03.12-beta", "10.0", "2.0.0"}

	for _, a := range versions {
		for _, b := range versions {
			for _, c := range versions {
				ab := Compare(a, b)
				bc := Compare(b, c)
				ac := Compare(a, c)

				if ab > 0 && bc > 0 {
					assert.GreaterOrEqualf(t, ac, 0, "transitivity broken for %s > %s > %s", a, b, c)
				}
			}
		}
	}

	assert.True(t, Less("1.0", "1.0.1"))
	assert.True(t, Less("1.9", "1.10"))
	assert.True(t, Less("10.0", "10.1"))
	assert.Equal(t, 0, Compare("1.0", "1.0"))
}

func TestSharedIndexRefcounting(t *testing.T) {
	ix, err := Parse([]byte(sampleIndex), "r")
	require.NoError(t, err)

	shared := NewSharedIndex(ix)
	assert.Equal(t, 1, shared.Holders())

	shared.Acquire()
	assert.Equal(t, 2, shared.Holders())

	shared.Release()
	shared.Release()
	assert.Equal(t, 0, shared.Holders())
}
