package volume

import (
	"testing"

	"github.com/cuemby/brickd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupOptionMultipleTargets(t *testing.T) {
	entries := LookupOption("performance.cache-size")
	require.Len(t, entries, 2)
	targets := []types.TranslatorType{entries[0].Target, entries[1].Target}
	assert.Contains(t, targets, types.XlatorIOCache)
	assert.Contains(t, targets, types.XlatorQuickRead)
}

func TestEffectiveOptionFallsBackToDefault(t *testing.T) {
	v := &types.Volume{Options: map[string]string{}}

	val, ok := EffectiveOption(v, "performance.write-behind")
	require.True(t, ok)
	assert.Equal(t, "on", val)

	v.Options["performance.write-behind"] = "off"
	val, _ = EffectiveOption(v, "performance.write-behind")
	assert.Equal(t, "off", val)

	// Defaults never leak into the options map itself.
	assert.Len(t, v.Options, 1)
}

func TestValidateBoolVocabulary(t *testing.T) {
	for _, good := range []string{"on", "off", "yes", "no", "true", "false", "ON", "Yes"} {
		assert.NoError(t, validateBool(good), good)
	}
	for _, bad := range []string{"", "1", "enabled", "o n"} {
		assert.Error(t, validateBool(bad), bad)
	}
}

func TestValidateMTU(t *testing.T) {
	for _, good := range []string{"256", "512", "1024", "2048", "4096"} {
		assert.NoError(t, validateMTU(good), good)
	}
	for _, bad := range []string{"0", "1500", "8192", "2k"} {
		assert.Error(t, validateMTU(bad), bad)
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"128", 128},
		{"4KB", 4096},
		{"2MB", 2 << 20},
		{"1GB", 1 << 30},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := parseSize("ten")
	assert.Error(t, err)
}

func TestCachePairValidatedPostChange(t *testing.T) {
	v := &types.Volume{Options: map[string]string{
		"performance.cache-max-file-size": "1MB",
	}}

	// Raising min above the current max is rejected.
	err := ValidateOptionValue(v, "performance.cache-min-file-size", "2MB")
	assert.Error(t, err)

	// The pair is evaluated with the new value in place: raising max first
	// makes the same min acceptable.
	require.NoError(t, ValidateOptionValue(v, "performance.cache-max-file-size", "4MB"))
	v.Options["performance.cache-max-file-size"] = "4MB"
	assert.NoError(t, ValidateOptionValue(v, "performance.cache-min-file-size", "2MB"))
}

func TestSuggestNearMiss(t *testing.T) {
	assert.Equal(t, "performance.cache-size", Suggest("performance.cache-sise"))
	assert.Equal(t, "auth.allow", Suggest("auth.alow"))
	assert.Equal(t, "", Suggest("entirely.unrelated-nonsense"))
}

func TestSpecialEntriesMarked(t *testing.T) {
	for _, key := range []string{
		"performance.write-behind", "performance.read-ahead", "performance.io-cache",
		"performance.quick-read", "performance.stat-prefetch", "performance.client-io-threads",
	} {
		entries := LookupOption(key)
		require.NotEmpty(t, entries, key)
		assert.True(t, entries[0].Special(), key)
		assert.Equal(t, "!perf", entries[0].Internal, key)
	}
	entries := LookupOption("auth.allow")
	require.NotEmpty(t, entries)
	assert.True(t, entries[0].Special())
}
