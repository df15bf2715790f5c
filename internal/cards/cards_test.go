package cards

import (
	"testing"

	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCards = `HEADLINE: WNE model grid 2019
TEFF=35000.    RSTAR=12.
LOG GGRAV = 3.60
-TEFF=99999.
XLOG 5.6
VELPAR: VFINAL=2000. VMIN=0.1
`

func TestApplyOverwritesMatchingFields(t *testing.T) {
	params := []types.Param{
		{Key: "teff", Value: "40000."},
		{Key: "log ggrav", Value: "3.85"},
		{Key: "VFINAL", Value: "1500."},
		{Key: "xlog", Value: "5.9"},
	}

	out, warnings := Parse([]byte(sampleCards)).Apply(params, 42)
	assert.Empty(t, warnings)

	want := `HEADLINE: SID000042
TEFF=40000.    RSTAR=12.
LOG GGRAV = 3.85
-TEFF=99999.
XLOG 5.9
VELPAR: VFINAL=1500. VMIN=0.1
`
	assert.Equal(t, want, string(out))
}

func TestApplyReportsUnmatchedKeys(t *testing.T) {
	params := []types.Param{
		{Key: "TEFF", Value: "40000."},
		{Key: "HYDROGEN", Value: "0.1"},
		{Key: "EFF", Value: "1"},
	}

	out, warnings := Parse([]byte(sampleCards)).Apply(params, 7)
	require.Len(t, warnings, 2)
	for _, w := range warnings {
		assert.ErrorIs(t, w, ErrUnappliedParameter)
	}

	var unapplied *UnappliedError
	require.ErrorAs(t, warnings[0], &unapplied)
	assert.Equal(t, "HYDROGEN", unapplied.Param.Key)

	tpl := Parse(out)
	v, ok := tpl.Value("teff")
	require.True(t, ok)
	assert.Equal(t, "40000.", v)
}

func TestApplyHeadlineAlwaysSet(t *testing.T) {
	out, warnings := Parse([]byte("HEADLINE old title here  \r\nTEFF=1\r\n")).Apply(
		[]types.Param{{Key: "headline", Value: "ignored"}}, 123456)
	assert.Empty(t, warnings)
	assert.Equal(t, "HEADLINE SID123456  \r\nTEFF=1\r\n", string(out))
}

func TestApplyMissingHeadlineWarns(t *testing.T) {
	_, warnings := Parse([]byte("TEFF=1\n")).Apply(nil, 1)
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], ErrUnappliedParameter)
}

func TestValue(t *testing.T) {
	tpl := Parse([]byte(sampleCards))

	v, ok := tpl.Value("HEADLINE")
	require.True(t, ok)
	assert.Equal(t, "WNE model grid 2019", v)

	v, ok = tpl.Value("log  ggrav")
	require.True(t, ok)
	assert.Equal(t, "3.60", v)

	_, ok = tpl.Value("HYDROGEN")
	assert.False(t, ok)
}
