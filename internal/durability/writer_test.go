package durability

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	require.NoError(t, s.Err())
	return lines
}

func TestWriter_RecordAppendsPerDeviceAndDay(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(base, "csv", true)

	day1 := time.Date(2025, 5, 1, 23, 59, 0, 0, time.Local)
	day2 := day1.Add(2 * time.Minute)

	require.NoError(t, w.Record("WAVY001", `{"t":1}`, day1))
	require.NoError(t, w.Record("WAVY001", `{"t":2}`, day1))
	require.NoError(t, w.Record("WAVY001", `{"t":3}`, day2))
	require.NoError(t, w.Record("WAVY002", `{"r":1}`, day1))

	assert.Equal(t, []string{`{"t":1}`, `{"t":2}`}, readLines(t, filepath.Join(base, "WAVY001", "2025-05-01.csv")))
	assert.Equal(t, []string{`{"t":3}`}, readLines(t, filepath.Join(base, "WAVY001", "2025-05-02.csv")))
	assert.Equal(t, []string{`{"r":1}`}, readLines(t, filepath.Join(base, "WAVY002", "2025-05-01.csv")))
}

func TestWriter_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(base, "log", false)
	ts := time.Now()

	payload := func(g, i int) string {
		return fmt.Sprintf(`{"g":%d,"i":%d,"pad":"%s"}`, g, i, strings.Repeat("x", 512))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, w.Record("D1", payload(g, i), ts))
			}
		}(g)
	}
	wg.Wait()

	lines := readLines(t, w.Path("D1", ts))
	require.Len(t, lines, 400)
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		seen[l] = true
	}
	for g := 0; g < 8; g++ {
		for i := 0; i < 50; i++ {
			assert.True(t, seen[payload(g, i)])
		}
	}
}

func TestWriter_RecordFailsWhenBaseIsAFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(base, []byte("not a dir"), 0o644))

	err := NewWriter(base, "csv", false).Record("D1", "{}", time.Now())
	assert.Error(t, err)
}

func TestWriter_LocksDoNotGrowWithDays(t *testing.T) {
	w := NewWriter(t.TempDir(), "csv", false)
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for day := 0; day < 30; day++ {
		ts := start.AddDate(0, 0, day)
		require.NoError(t, w.Record("D1", `{"d":1}`, ts))
		require.NoError(t, w.Record("D2", `{"d":2}`, ts))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.locks, 2)
}
