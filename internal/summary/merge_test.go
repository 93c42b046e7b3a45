package summary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestNaiveMerge(t *testing.T) {
	d1, d2 := int64(100), int64(250)
	a := Empty()
	a.Bullets = []string{"built", "linted"}
	a.FilesChanged = []FileChange{{Path: "a.go", Adds: 1, Dels: 1}}
	a.Tests = TestStats{Passed: 3, Failures: []TestFailure{}}
	a.Actions = []string{"rerun"}
	a.Metrics = Metrics{DurationMs: &d1, ExitCode: intPtr(1), CommandsRun: intPtr(2)}

	b := Empty()
	b.Bullets = []string{"linted", "tested"}
	b.FilesChanged = []FileChange{{Path: "b.go", Adds: 5}, {Path: "a.go", Adds: 2, Dels: 3}}
	b.Tests = TestStats{Passed: 1, Failed: 1, Failures: []TestFailure{{Name: "TestB", Message: "bad"}}}
	b.Errors = []ErrorEntry{{Type: "Error", Message: "bad"}}
	b.Actions = []string{"rerun", "fix TestB"}
	b.Metrics = Metrics{DurationMs: &d2, ExitCode: intPtr(0)}

	m := NaiveMerge([]Summary{a, b})
	assert.Equal(t, SchemaVersion, m.Version)
	assert.Equal(t, []string{"built", "linted", "tested"}, m.Bullets)
	assert.Equal(t, []FileChange{{Path: "a.go", Adds: 3, Dels: 4}, {Path: "b.go", Adds: 5}}, m.FilesChanged)
	assert.Equal(t, 4, m.Tests.Passed)
	assert.Equal(t, 1, m.Tests.Failed)
	assert.Len(t, m.Tests.Failures, 1)
	assert.Len(t, m.Errors, 1)
	assert.Equal(t, []string{"rerun", "fix TestB"}, m.Actions)

	require.NotNil(t, m.Metrics.DurationMs)
	assert.Equal(t, int64(350), *m.Metrics.DurationMs)
	require.NotNil(t, m.Metrics.CommandsRun)
	assert.Equal(t, 2, *m.Metrics.CommandsRun)
	require.NotNil(t, m.Metrics.ExitCode)
	assert.Equal(t, 0, *m.Metrics.ExitCode)
}

func TestNaiveMergeCapsBullets(t *testing.T) {
	a, b := Empty(), Empty()
	a.Bullets = []string{"1", "2", "3", "4"}
	b.Bullets = []string{"5", "6", "7", "8"}

	m := NaiveMerge([]Summary{a, b})
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, m.Bullets)
}

func TestNaiveMergeEmpty(t *testing.T) {
	m := NaiveMerge(nil)
	assert.True(t, m.IsEmpty())
	assert.NotNil(t, m.Bullets)
}
