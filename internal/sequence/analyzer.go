package sequence

import (
	"math"
	"sort"
	"strings"
	"time"

	"relgraph/pkg/models"
)

const (
	// DefaultWindow bounds the gap between the first two commands of a chain.
	DefaultWindow = 15 * time.Minute
	// MinOccurrences is the number of repeats before a chain counts as a pattern.
	MinOccurrences = 2
	// MaxChainLength is the longest chain mined.
	MaxChainLength = 4
)

// Pattern is a recurring command chain of one user.
type Pattern struct {
	Username    string
	Chain       []string
	Occurrences int
	// AvgTimeDelta is the mean span of the chain in seconds.
	AvgTimeDelta float64
	Confidence   float64
	FirstSeen    time.Time
	LastSeen     time.Time
	// LogID is the final log of the most recent occurrence.
	LogID int64
	// Commands holds the raw commands of the most recent occurrence.
	Commands []string
}

// Analyzer mines command chains per user.
type Analyzer struct {
	Window time.Duration
}

// New returns an analyzer using window as the pair window; 3 and 4 command
// chains get twice and three times that.
func New(window time.Duration) *Analyzer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Analyzer{Window: window}
}

type patternKey struct {
	user string
	n    int
	cmds [MaxChainLength]string
}

type entry struct {
	ts   time.Time
	id   int64
	raw  string
	norm string
}

type accumulator struct {
	deltas   []float64
	first    time.Time
	last     time.Time
	logID    int64
	commands []string
}

// Detect returns every pattern that clears the confidence threshold for its
// length, ordered by user, length and chain.
func (a *Analyzer) Detect(logs []models.LogRow) []Pattern {
	byUser := make(map[string][]entry)
	for i := range logs {
		row := &logs[i]
		user := strings.TrimSpace(row.Username)
		cmd := strings.TrimSpace(row.Command)
		if user == "" || cmd == "" || row.Timestamp.IsZero() {
			continue
		}
		norm := NormalizeCommand(cmd)
		if norm == "" {
			continue
		}
		byUser[user] = append(byUser[user], entry{ts: row.Timestamp, id: row.ID, raw: cmd, norm: norm})
	}

	acc := make(map[patternKey]*accumulator)
	for user, entries := range byUser {
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].ts.Equal(entries[j].ts) {
				return entries[i].id < entries[j].id
			}
			return entries[i].ts.Before(entries[j].ts)
		})
		for i := range entries {
			for n := 2; n <= MaxChainLength; n++ {
				chain, ok := a.chainAt(entries, i, n)
				if !ok {
					break
				}
				a.record(acc, user, chain)
			}
		}
	}

	out := make([]Pattern, 0)
	for key, v := range acc {
		occ := len(v.deltas)
		if occ < MinOccurrences {
			continue
		}
		conf := Confidence(key.n, occ, v.deltas)
		if conf < Threshold(key.n) {
			continue
		}
		chain := make([]string, key.n)
		copy(chain, key.cmds[:key.n])
		out = append(out, Pattern{
			Username:     key.user,
			Chain:        chain,
			Occurrences:  occ,
			AvgTimeDelta: mean(v.deltas),
			Confidence:   conf,
			FirstSeen:    v.first,
			LastSeen:     v.last,
			LogID:        v.logID,
			Commands:     v.commands,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		if len(out[i].Chain) != len(out[j].Chain) {
			return len(out[i].Chain) < len(out[j].Chain)
		}
		return strings.Join(out[i].Chain, "\x00") < strings.Join(out[j].Chain, "\x00")
	})
	return out
}

// chainAt returns the n consecutive commands starting at i when they fit the
// window for that length. Longer chains need strictly increasing timestamps.
func (a *Analyzer) chainAt(entries []entry, i, n int) ([]entry, bool) {
	if i+n > len(entries) {
		return nil, false
	}
	chain := entries[i : i+n]
	span := chain[n-1].ts.Sub(chain[0].ts)
	if span < 0 || span > a.Window*time.Duration(n-1) {
		return nil, false
	}
	if n > 2 {
		for k := 1; k < n; k++ {
			if !chain[k].ts.After(chain[k-1].ts) {
				return nil, false
			}
		}
	}
	return chain, true
}

func (a *Analyzer) record(acc map[patternKey]*accumulator, user string, chain []entry) {
	key := patternKey{user: user, n: len(chain)}
	for k, e := range chain {
		key.cmds[k] = e.norm
	}
	start := chain[0]
	end := chain[len(chain)-1]

	v, ok := acc[key]
	if !ok {
		v = &accumulator{first: start.ts, last: end.ts}
		acc[key] = v
	}
	v.deltas = append(v.deltas, end.ts.Sub(start.ts).Seconds())
	if start.ts.Before(v.first) {
		v.first = start.ts
	}
	if !end.ts.Before(v.last) {
		v.last = end.ts
		v.logID = end.id
		v.commands = v.commands[:0]
		for _, e := range chain {
			v.commands = append(v.commands, e.raw)
		}
	}
}

// Confidence scores a chain of the given length seen occurrences times with
// the given per-occurrence spans in seconds.
func Confidence(length, occurrences int, deltas []float64) float64 {
	saturation, weight := 10.0, 0.7
	if length > 2 {
		saturation, weight = 5.0, 0.6
	}
	frequency := math.Min(1, float64(occurrences)/saturation)
	timing := 1 / (1 + math.Sqrt(variance(deltas))/1000)

	score := frequency*weight + timing*0.3
	switch {
	case length >= 4:
		score += 0.2
	case length == 3:
		score += 0.1
	}
	return math.Min(1, score)
}

// Threshold is the minimum confidence for a chain of the given length.
func Threshold(length int) float64 {
	if length <= 2 {
		return 0.35
	}
	return 0.35 - 0.05*float64(length)
}

// Input converts a pattern into a relation between its first and last
// command.
func (p Pattern) Input(tags models.LogTags) models.RelationInput {
	var opTags []int64
	if tags != nil {
		opTags = tags[p.LogID]
	}
	return models.RelationInput{
		SourceType:  models.TypeCommandSequence,
		SourceValue: p.Chain[0],
		TargetType:  models.TypeCommandSequence,
		TargetValue: p.Chain[len(p.Chain)-1],
		Metadata: map[string]interface{}{
			"type":         "command_sequence",
			"username":     p.Username,
			"chain":        p.Chain,
			"commands":     p.Commands,
			"occurrences":  p.Occurrences,
			"avgTimeDelta": p.AvgTimeDelta,
			"confidence":   p.Confidence,
			"length":       len(p.Chain),
		},
		OperationTags: opTags,
		LogID:         p.LogID,
		FirstSeen:     p.FirstSeen,
		LastSeen:      p.LastSeen,
		Occurrences:   int64(p.Occurrences),
	}
}

type endpoints struct {
	first string
	last  string
}

// Inputs converts patterns into relation inputs, folding patterns that share
// a first and last command into one input. The folded input keeps the
// metadata of its most confident pattern, sums occurrences and lists every
// username under "usernames".
func Inputs(patterns []Pattern, tags models.LogTags) []models.RelationInput {
	type folded struct {
		input models.RelationInput
		best  float64
		users map[string]bool
	}
	byKey := make(map[endpoints]*folded)
	order := make([]endpoints, 0)

	for _, p := range patterns {
		in := p.Input(tags)
		key := endpoints{first: in.SourceValue, last: in.TargetValue}
		f, ok := byKey[key]
		if !ok {
			byKey[key] = &folded{input: in, best: p.Confidence, users: map[string]bool{p.Username: true}}
			order = append(order, key)
			continue
		}
		f.users[p.Username] = true
		occurrences := f.input.Occurrences + in.Occurrences
		firstSeen, lastSeen := f.input.FirstSeen, f.input.LastSeen
		logID, opTags := f.input.LogID, f.input.OperationTags
		if in.FirstSeen.Before(firstSeen) {
			firstSeen = in.FirstSeen
		}
		if !in.LastSeen.Before(lastSeen) {
			lastSeen = in.LastSeen
			logID, opTags = in.LogID, in.OperationTags
		}
		if p.Confidence > f.best {
			f.best = p.Confidence
			f.input = in
		}
		f.input.Occurrences = occurrences
		f.input.FirstSeen, f.input.LastSeen = firstSeen, lastSeen
		f.input.LogID, f.input.OperationTags = logID, opTags
	}

	out := make([]models.RelationInput, 0, len(order))
	for _, key := range order {
		f := byKey[key]
		users := make([]string, 0, len(f.users))
		for u := range f.users {
			users = append(users, u)
		}
		sort.Strings(users)
		f.input.Metadata["usernames"] = users
		out = append(out, f.input)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}
