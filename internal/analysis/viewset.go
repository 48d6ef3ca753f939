package analysis

import "github.com/antigravity-dev/agentlab/internal/experiment"

// SelectViewSet picks the view bundle for an experiment's design,
// including a fallback clause for combinations the primary rules don't
// cover.
func SelectViewSet(design experiment.Design, variantCount int) ViewSet {
	switch {
	case design.Comparison == experiment.ComparisonNone:
		return ViewSetRegression
	case design.Scheduling == experiment.SchedulingPairedInterleaved && design.Comparison == experiment.ComparisonPaired:
		if variantCount >= 3 {
			return ViewSetMultiVariant
		}
		return ViewSetABTest
	case design.Scheduling == experiment.SchedulingVariantSequential && design.Comparison == experiment.ComparisonUnpaired:
		return ViewSetParameterSweep
	case design.Comparison == experiment.ComparisonPaired:
		if variantCount >= 3 {
			return ViewSetMultiVariant
		}
		return ViewSetABTest
	case design.Comparison == experiment.ComparisonUnpaired:
		return ViewSetParameterSweep
	default:
		return ViewSetCoreOnly
	}
}
