package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseISOTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	assert.True(t, parseISOTime("2024-03-01T12:30:00Z").Equal(want))
	assert.True(t, parseISOTime("2024-03-01T12:30:00").Equal(want))
	assert.True(t, parseISOTime("2024-03-01 12:30:00").Equal(want))
	assert.True(t, parseISOTime("unknown").IsZero())
	assert.True(t, parseISOTime("").IsZero())
	assert.True(t, parseISOTime("yesterday").IsZero())
}

func TestLdflagsWin(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })

	Version = "v1.2.3"
	GitCommit = "0123456789abcdef"

	assert.Equal(t, "v1.2.3", GetVersion())
	assert.Equal(t, "0123456789abcdef", GetGitCommit())
	assert.Equal(t, "v1.2.3 (0123456)", GetShortVersion())
	assert.True(t, IsRelease())

	info := GetBuildInfo()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestDevBuild(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })

	Version = "dev"
	GitCommit = "fedcba9876543210"

	assert.Contains(t, GetShortVersion(), "fedcba9")
}
