package expand

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoDiffs = `$ git diff
diff --git a/one.go b/one.go
index 1111111..2222222 100644
--- a/one.go
+++ b/one.go
@@ -1 +1 @@
-old
+new
diff --git a/two.go b/two.go
index 3333333..4444444 100644
--- a/two.go
+++ b/two.go
@@ -1 +1,2 @@
 keep
+added
`

func TestLatestDiffTakesLastBlock(t *testing.T) {
	got := LatestDiff(twoDiffs)
	assert.True(t, strings.HasPrefix(got, "diff --git a/two.go b/two.go"), got)
	assert.Contains(t, got, "+added")
	assert.NotContains(t, got, "one.go")
}

func TestLatestDiffHeaderFallback(t *testing.T) {
	buf := "patching\n--- a/x.txt\n+++ b/x.txt\n@@ -1 +1 @@\n-a\n+b\n--- a/y.txt\n+++ b/y.txt\n@@ -1 +1 @@\n-c\n+d\ndone\n"
	got := LatestDiff(buf)
	assert.Equal(t, "--- a/y.txt\n+++ b/y.txt\n@@ -1 +1 @@\n-c\n+d\ndone", got)
}

func TestLatestDiffNone(t *testing.T) {
	assert.Empty(t, LatestDiff("nothing to see\n"))
}

func TestFirstFailureJest(t *testing.T) {
	buf := strings.Join([]string{
		"PASS src/ok.test.ts",
		"FAIL src/math.test.ts",
		"  ● adds numbers",
		"    expect(received).toBe(expected)",
		"",
		"FAIL src/other.test.ts",
		"Test Suites: 2 failed, 1 passed",
	}, "\n")

	got := FirstFailure(buf)
	assert.Equal(t, "FAIL src/math.test.ts\n  ● adds numbers\n    expect(received).toBe(expected)", got)
}

func TestFirstFailureStopsAtNextSuite(t *testing.T) {
	buf := "FAIL a.test.js\n  boom\nFAIL b.test.js\n  bang\n"
	assert.Equal(t, "FAIL a.test.js\n  boom", FirstFailure(buf))
}

func TestFirstFailureGoTest(t *testing.T) {
	buf := strings.Join([]string{
		"=== RUN   TestAdd",
		"--- FAIL: TestAdd (0.00s)",
		"    add_test.go:12: got 3, want 4",
		"--- PASS: TestSub (0.00s)",
		"FAIL",
	}, "\n")
	assert.Equal(t, "--- FAIL: TestAdd (0.00s)\n    add_test.go:12: got 3, want 4", FirstFailure(buf))
}

func TestFirstFailureBulletFallback(t *testing.T) {
	buf := "running\n  ● suite › case\n    detail\n\ntrailing\n"
	assert.Equal(t, "● suite › case\n    detail", FirstFailure(buf))
}

func TestLastErrorWithStack(t *testing.T) {
	buf := strings.Join([]string{
		"Error: first",
		"    at a (a.js:1:1)",
		"",
		"retrying",
		"TypeError: cannot read properties of undefined",
		"    at b (b.js:2:2)",
		"    at c (c.js:3:3)",
		"",
		"$ ",
	}, "\n")

	got := LastError(buf)
	assert.Equal(t, "TypeError: cannot read properties of undefined\n    at b (b.js:2:2)\n    at c (c.js:3:3)", got)
}

func TestLastErrorFramesAfterBlank(t *testing.T) {
	buf := "Unhandled rejection\n\n    at x (x.js:1:1)\n    at y (y.js:2:2)\nnext\n"
	assert.Equal(t, "Unhandled rejection\n\n    at x (x.js:1:1)\n    at y (y.js:2:2)", LastError(buf))
}

func TestLastErrorGoPanic(t *testing.T) {
	buf := "ok\npanic: runtime error: index out of range\n\ngoroutine 1 [running]:\n"
	assert.Equal(t, "panic: runtime error: index out of range", LastError(buf))
}

func TestLastErrorNone(t *testing.T) {
	assert.Empty(t, LastError("all good\nno problems\n"))
}

func TestExtract(t *testing.T) {
	s, err := Extract(KindDiff, "\x1b[32m"+twoDiffs+"\x1b[0m")
	require.NoError(t, err)
	assert.Equal(t, KindDiff, s.Kind)
	assert.Equal(t, "Latest diff", s.Title)
	assert.Equal(t, "text/x-diff", s.Mime)
	assert.NotContains(t, s.Content, "\x1b")

	s, err = Extract(KindLastError, "Error: boom\n")
	require.NoError(t, err)
	assert.Equal(t, "Last error", s.Title)
	assert.Equal(t, "text/plain", s.Mime)

	_, err = Extract(KindFirstFailure, "all green\n")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Extract(Kind("everything"), "x")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
