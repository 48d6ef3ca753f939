package analysis

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/antigravity-dev/agentlab/internal/experiment"
	"github.com/antigravity-dev/agentlab/internal/rundir"
)

// TrialRef identifies one trial's slot coordinates, enough to attribute
// its facts to a variant/task/replication without re-parsing trial_id.
type TrialRef struct {
	TrialID     string
	ScheduleIdx int
	VariantID   string
	TaskID      string
	ReplIdx     int
}

// trialOutput mirrors the harness's terminal trial_output.json shape:
// {status, outcome, objective: {name, value}, metrics: {…}}.
type trialOutput struct {
	Status    string             `json:"status"`
	Outcome   string             `json:"outcome"`
	Objective struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	} `json:"objective"`
	Metrics map[string]float64 `json:"metrics"`
}

type eventLine struct {
	Kind    string `json:"kind"`
	TrialID string `json:"trial_id"`
}

// Materialize derives every fact table for dir's committed trials and
// writes them as JSONL under analysis/tables/, plus the SQL view bundle
// and view context. It is safe to call
// incrementally after each trial commits or once at run completion.
func Materialize(dir rundir.Dir, resolved *experiment.ResolvedExperiment, refs []TrialRef) error {
	if err := os.MkdirAll(dir.AnalysisTablesDir(), 0o755); err != nil {
		return fmt.Errorf("analysis: create tables dir: %w", err)
	}

	bindingsByVariant := make(map[string]map[string]any)
	for _, v := range resolved.AllVariants() {
		bindingsByVariant[v.VariantID] = v.Bindings
	}

	var trials []TrialFact
	var metrics []MetricLong
	var bindingsLong []BindingLong
	countsByTrial := make(map[string]map[string]int) // trial_id -> kind -> count
	variantOfTrial := make(map[string]string)

	for _, ref := range refs {
		td := dir.Trial(ref.TrialID)
		out, err := readTrialOutput(td.OutputPath())
		if err != nil {
			continue // not every slot has committed yet during incremental materialization
		}
		variantOfTrial[ref.TrialID] = ref.VariantID

		trials = append(trials, TrialFact{
			RunID: dir.RunID, TrialID: ref.TrialID, ScheduleIdx: ref.ScheduleIdx,
			VariantID: ref.VariantID, TaskID: ref.TaskID, ReplIdx: ref.ReplIdx,
			Status: out.Status, Outcome: out.Outcome,
			ObjectiveName: out.Objective.Name, ObjectiveValue: out.Objective.Value,
		})

		if out.Objective.Name != "" {
			metrics = append(metrics, MetricLong{TrialID: ref.TrialID, VariantID: ref.VariantID, MetricName: out.Objective.Name, Value: out.Objective.Value})
		}
		for name, val := range out.Metrics {
			metrics = append(metrics, MetricLong{TrialID: ref.TrialID, VariantID: ref.VariantID, MetricName: name, Value: val})
		}

		counts, err := countEventsByKind(td.EventsPath())
		if err == nil {
			countsByTrial[ref.TrialID] = counts
		}
	}

	for variantID, bindings := range bindingsByVariant {
		keys := make([]string, 0, len(bindings))
		for k := range bindings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			bindingsLong = append(bindingsLong, BindingLong{VariantID: variantID, Key: k, Value: fmt.Sprintf("%v", bindings[k])})
		}
	}

	var eventCountsByTrial []EventCountByTrial
	byVariantKind := make(map[string]map[string]int)
	for trialID, counts := range countsByTrial {
		variantID := variantOfTrial[trialID]
		for kind, n := range counts {
			eventCountsByTrial = append(eventCountsByTrial, EventCountByTrial{TrialID: trialID, VariantID: variantID, Kind: kind, Count: n})
			if byVariantKind[variantID] == nil {
				byVariantKind[variantID] = make(map[string]int)
			}
			byVariantKind[variantID][kind] += n
		}
	}

	var eventCountsByVariant []EventCountByVariant
	for variantID, kinds := range byVariantKind {
		for kind, n := range kinds {
			eventCountsByVariant = append(eventCountsByVariant, EventCountByVariant{VariantID: variantID, Kind: kind, Count: n})
		}
	}

	summaries := summarize(trials, metrics, byVariantKind, bindingsByVariant)

	if err := writeJSONL(dir.AnalysisTablePath("trials"), toAny(trials)); err != nil {
		return err
	}
	if err := writeJSONL(dir.AnalysisTablePath("metrics_long"), toAny(metrics)); err != nil {
		return err
	}
	if err := writeJSONL(dir.AnalysisTablePath("bindings_long"), toAny(bindingsLong)); err != nil {
		return err
	}
	if err := writeJSONL(dir.AnalysisTablePath("event_counts_by_trial"), toAny(eventCountsByTrial)); err != nil {
		return err
	}
	if err := writeJSONL(dir.AnalysisTablePath("event_counts_by_variant"), toAny(eventCountsByVariant)); err != nil {
		return err
	}
	if err := writeJSONL(dir.AnalysisTablePath("variant_summary"), toAny(summaries)); err != nil {
		return err
	}

	viewSet := SelectViewSet(resolved.Design, len(resolved.VariantIDs()))
	if err := WriteSQLBundle(dir, viewSet); err != nil {
		return err
	}

	ctx := ViewContext{
		RunID: dir.RunID, ViewSet: viewSet,
		ComparisonPolicy: string(resolved.Design.Comparison),
		SchedulingPolicy: string(resolved.Design.Scheduling),
	}
	return writeJSON(dir.DuckDBViewContextPath(), ctx)
}

func summarize(trials []TrialFact, metrics []MetricLong, eventCounts map[string]map[string]int, bindings map[string]map[string]any) []VariantSummary {
	type acc struct {
		total, succeeded int
		metricSum        float64
		metricCount      int
	}
	byVariant := make(map[string]*acc)
	for _, t := range trials {
		a, ok := byVariant[t.VariantID]
		if !ok {
			a = &acc{}
			byVariant[t.VariantID] = a
		}
		a.total++
		if t.Status == "succeeded" {
			a.succeeded++
		}
		// primary_metric_mean is the objective's mean, not an average
		// across every reported metric name.
		if t.ObjectiveName != "" {
			a.metricSum += t.ObjectiveValue
			a.metricCount++
		}
	}

	variantIDs := make([]string, 0, len(byVariant))
	for v := range byVariant {
		variantIDs = append(variantIDs, v)
	}
	sort.Strings(variantIDs)

	out := make([]VariantSummary, 0, len(variantIDs))
	for _, v := range variantIDs {
		a := byVariant[v]
		mean := 0.0
		if a.metricCount > 0 {
			mean = a.metricSum / float64(a.metricCount)
		}
		rate := 0.0
		if a.total > 0 {
			rate = float64(a.succeeded) / float64(a.total)
		}
		out = append(out, VariantSummary{
			VariantID: v, Total: a.total, SuccessRate: rate, PrimaryMetricMean: mean,
			EventCounts: eventCounts[v], Bindings: bindings[v],
		})
	}
	return out
}

func readTrialOutput(path string) (*trialOutput, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out trialOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("analysis: decode %s: %w", path, err)
	}
	return &out, nil
}

func countEventsByKind(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	counts := make(map[string]int)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev eventLine
		if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil && ev.Kind != "" {
			counts[ev.Kind]++
		}
	}
	return counts, scanner.Err()
}

func toAny[T any](items []T) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

func writeJSONL(path string, rows []any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("analysis: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("analysis: encode row for %s: %w", path, err)
		}
	}
	return w.Flush()
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("analysis: marshal %s: %w", path, err)
	}
	return os.WriteFile(path, b, 0o644)
}
