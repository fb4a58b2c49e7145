package pipeline

// Stage names in fixed pipeline order.
const (
	StageResearch         = "research"
	StageAnalyst          = "analyst"
	StageArchitect        = "architect"
	StageSecurityPlanner  = "security_planner"
	StageUXDesigner       = "ux_designer"
	StageImplementer      = "implementer"
	StageTestWriter       = "test_writer"
	StageCritic           = "critic"
	StageFixer            = "fixer"
	StageSecurityAuditor  = "security_auditor"
	StagePerformanceAgent = "performance_agent"
	StageCompleteness     = "completeness_judge"
	StageDocumenter       = "documenter"
	StageDeployer         = "deployer"
)

// StageOrder is the fixed order used for bootstrap, resume scans and reset ranges.
var StageOrder = []string{
	StageResearch,
	StageAnalyst,
	StageArchitect,
	StageSecurityPlanner,
	StageUXDesigner,
	StageImplementer,
	StageTestWriter,
	StageCritic,
	StageFixer,
	StageSecurityAuditor,
	StagePerformanceAgent,
	StageCompleteness,
	StageDocumenter,
	StageDeployer,
}

// GateOwners maps a stage to the gates it evaluates.
var GateOwners = map[string][]string{
	StageTestWriter:       {GateTestCoverage},
	StageCritic:           {GateCriticScore},
	StageSecurityAuditor:  {GateSecurity},
	StagePerformanceAgent: {GatePerformance},
	StageCompleteness:     {GatePRDCoverage},
}

// StageIndex returns the position of name in StageOrder, or -1.
func StageIndex(name string) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// IsStage reports whether name is a known stage.
func IsStage(name string) bool {
	return StageIndex(name) >= 0
}

// StagesFrom returns name and every stage after it in fixed order.
func StagesFrom(name string) []string {
	i := StageIndex(name)
	if i < 0 {
		return nil
	}
	out := make([]string, len(StageOrder)-i)
	copy(out, StageOrder[i:])
	return out
}
