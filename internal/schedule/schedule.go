// Package schedule builds the deterministic, ordered slot list that the
// run orchestrator drives. Construction is a pure function
// of the resolved experiment's variants, task list, and design policy —
// no I/O, no clock, no randomness beyond the seeded PRNG.
package schedule

import (
	"math/rand/v2"

	"github.com/antigravity-dev/agentlab/internal/experiment"
)

// Slot is one deterministic unit of work: a (variant, task, replication)
// triple addressed by its position in the schedule.
type Slot struct {
	ScheduleIdx int    `json:"schedule_idx"`
	VariantID   string `json:"variant_id"`
	TaskIdx     int    `json:"task_idx"`
	TaskID      string `json:"task_id"`
	ReplIdx     int    `json:"repl_idx"`
}

// Plan builds the ordered slot list for resolved over tasks. It is a
// deterministic function of (variant_ids, task_list, replications,
// scheduling, random_seed, shuffle_tasks): the same inputs always
// produce the same slot sequence, byte-for-byte.
func Plan(resolved *experiment.ResolvedExperiment, tasks []experiment.Task) []Slot {
	variantIDs := resolved.VariantIDs()
	taskOrder := orderedTaskIndices(tasks, resolved.Design.ShuffleTasks, resolved.Design.RandomSeed)
	repls := resolved.Design.Replications
	if repls < 1 {
		repls = 1
	}

	switch resolved.Design.Scheduling {
	case experiment.SchedulingPairedInterleaved:
		return planPairedInterleaved(variantIDs, tasks, taskOrder, repls)
	default:
		return planVariantSequential(variantIDs, tasks, taskOrder, repls)
	}
}

// planVariantSequential: outer loop variant, inner loops replication then task.
func planVariantSequential(variantIDs []string, tasks []experiment.Task, taskOrder []int, repls int) []Slot {
	var out []Slot
	idx := 0
	for _, vid := range variantIDs {
		for r := 0; r < repls; r++ {
			for _, ti := range taskOrder {
				out = append(out, Slot{
					ScheduleIdx: idx,
					VariantID:   vid,
					TaskIdx:     ti,
					TaskID:      tasks[ti].ID,
					ReplIdx:     r,
				})
				idx++
			}
		}
	}
	return out
}

// planPairedInterleaved: outer loop task, inner loops replication then
// variant — adjacent slots share (task_id, repl_idx).
func planPairedInterleaved(variantIDs []string, tasks []experiment.Task, taskOrder []int, repls int) []Slot {
	var out []Slot
	idx := 0
	for _, ti := range taskOrder {
		for r := 0; r < repls; r++ {
			for _, vid := range variantIDs {
				out = append(out, Slot{
					ScheduleIdx: idx,
					VariantID:   vid,
					TaskIdx:     ti,
					TaskID:      tasks[ti].ID,
					ReplIdx:     r,
				})
				idx++
			}
		}
	}
	return out
}

// orderedTaskIndices returns task indices in file order, or seed-shuffled
// order when shuffle is set. The shuffle uses a PCG PRNG seeded
// deterministically from seed, so the same seed always yields the same
// permutation.
func orderedTaskIndices(tasks []experiment.Task, shuffle bool, seed int64) []int {
	order := make([]int, len(tasks))
	for i := range order {
		order[i] = i
	}
	if !shuffle {
		return order
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}
