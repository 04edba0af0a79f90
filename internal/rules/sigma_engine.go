package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"relgraph/pkg/models"
)

var techniqueTagRegex = regexp.MustCompile(`^attack\.t\d{4}(?:\.\d{3})?$`)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type compiledSigmaRule struct {
	rule  sigma.Rule
	eval  *sigmaevaluator.RuleEvaluator
	label models.DetectionTag
}

// SigmaEngine evaluates process-creation Sigma rules against logged commands.
type SigmaEngine struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaEngine loads Sigma rules from a file or directory and compiles evaluators.
// Unsupported or complex rules are skipped and included in stats.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 256)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	raws := make([][]byte, 0, len(files))
	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		raws = append(raws, raw)
	}
	engine := compileRules(raws, &stats)
	return engine, stats, nil
}

// NewSigmaEngineFromYAML compiles rules from raw YAML documents.
func NewSigmaEngineFromYAML(docs ...[]byte) (*SigmaEngine, SigmaLoadStats) {
	stats := SigmaLoadStats{TotalFiles: len(docs)}
	return compileRules(docs, &stats), stats
}

func compileRules(docs [][]byte, stats *SigmaLoadStats) *SigmaEngine {
	compiled := make([]compiledSigmaRule, 0, len(docs))
	for _, raw := range docs {
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}

		if !isCommandCompatible(rule) {
			stats.SkippedDatasource++
			continue
		}

		if ok, _ := isSimpleSingleEventRule(rule); !ok {
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledSigmaRule{
			rule:  rule,
			eval:  sigmaevaluator.ForRule(rule),
			label: detectionTagFromRule(rule),
		})
		stats.Loaded++
	}
	return &SigmaEngine{rules: compiled, ctx: context.Background()}
}

// Len returns the number of compiled rules.
func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply evaluates all loaded rules against the row's command and returns a
// tag per matching rule.
func (e *SigmaEngine) Apply(row *models.LogRow) []models.DetectionTag {
	if e == nil || row == nil || len(e.rules) == 0 || strings.TrimSpace(row.Command) == "" {
		return nil
	}

	eventMap := sigmaEventFrom(row)
	out := make([]models.DetectionTag, 0, 4)
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(e.ctx, eventMap)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.label)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

// isCommandCompatible accepts rules that only need process-creation fields,
// which is all an operator log carries.
func isCommandCompatible(rule sigma.Rule) bool {
	category := strings.ToLower(strings.TrimSpace(rule.Logsource.Category))
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	service := strings.ToLower(strings.TrimSpace(rule.Logsource.Service))

	if category != "" && category != "process_creation" {
		return false
	}
	switch product {
	case "", "windows", "linux", "macos":
	default:
		return false
	}
	if service != "" && service != "sysmon" && service != "auditd" {
		return false
	}
	return true
}

func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}

	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

func sigmaEventFrom(row *models.LogRow) map[string]interface{} {
	cmd := strings.TrimSpace(row.Command)
	buf := map[string]interface{}{
		"CommandLine": cmd,
		"EventID":     1,
	}
	if fields := strings.Fields(cmd); len(fields) > 0 {
		image := strings.Trim(fields[0], `"'`)
		buf["Image"] = image
		buf["OriginalFileName"] = filepath.Base(strings.ReplaceAll(image, `\`, "/"))
	}
	if row.Username != "" {
		buf["User"] = row.Username
	}
	if row.Hostname != "" {
		buf["Computer"] = row.Hostname
		buf["Hostname"] = row.Hostname
	}
	if row.InternalIP != "" {
		buf["SourceIp"] = row.InternalIP
	}
	if row.ExternalIP != "" {
		buf["DestinationIp"] = row.ExternalIP
	}
	if row.Filename != "" {
		buf["TargetFilename"] = row.Filename
	}
	return buf
}

func detectionTagFromRule(rule sigma.Rule) models.DetectionTag {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}

	level := strings.ToLower(strings.TrimSpace(rule.Level))
	if level == "" {
		level = "medium"
	}

	tactic, technique := parseAttackTags(rule.Tags)
	return models.DetectionTag{
		ID:        id,
		Name:      strings.TrimSpace(rule.Title),
		Level:     level,
		Tactic:    tactic,
		Technique: technique,
	}
}

func parseAttackTags(tags []string) (string, string) {
	var tactic string
	var technique string

	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if !strings.HasPrefix(tag, "attack.") {
			continue
		}
		suffix := strings.TrimPrefix(tag, "attack.")
		if technique == "" && techniqueTagRegex.MatchString(tag) {
			technique = strings.ToUpper(strings.ReplaceAll(suffix, ".", "/"))
			continue
		}
		if tactic == "" && !strings.HasPrefix(suffix, "t") {
			tactic = strings.ReplaceAll(suffix, "_", "-")
		}
	}

	return tactic, technique
}
