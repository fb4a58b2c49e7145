package stage

import (
	"github.com/lucasnoah/buildforge/internal/agent"
	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

// Spec is the static description of a stage.
type Spec struct {
	Name     string
	Phase    string // base phase id; loop stages append .N
	Label    string // progress label, e.g. "6/13"
	Activity string
	// Artifact is the file the stage's output is written to, if any.
	Artifact string
	// Decision, Subject and Bullets are defaults for outcomes that do not set them.
	Decision string
	Subject  string
	Bullets  []string
	// TextArtifact means the agent's raw text is the artifact.
	TextArtifact bool
}

func (s Spec) defaultOutcome(res agent.Result) Outcome {
	var out Outcome
	if s.TextArtifact {
		out.Artifact = res.Text
	}
	return out
}

// Specs is the stage catalogue keyed by stage name.
var Specs = map[string]Spec{
	pipeline.StageResearch: {
		Name: pipeline.StageResearch, Phase: "1", Label: "1/13",
		Activity: "Surveying the problem space",
		Artifact: artifact.Research, TextArtifact: true,
		Decision: "completed research",
		Subject:  "docs(forge/research): competitive and technical research",
		Bullets:  []string{"Research notes written to " + artifact.Research},
	},
	pipeline.StageAnalyst: {
		Name: pipeline.StageAnalyst, Phase: "2", Label: "2/13",
		Activity: "Writing product requirements",
		Artifact: artifact.PRD, TextArtifact: true,
		Decision: "PRD generated",
		Subject:  "docs(forge/analyst): product requirements document",
		Bullets:  []string{"Requirements written to " + artifact.PRD},
	},
	pipeline.StageArchitect: {
		Name: pipeline.StageArchitect, Phase: "3", Label: "3/13",
		Activity: "Defining architecture",
		Artifact: artifact.Architecture, TextArtifact: true,
		Decision: "architecture defined",
		Subject:  "docs(forge/architect): system architecture",
		Bullets:  []string{"Stack, data model and API surface in " + artifact.Architecture},
	},
	pipeline.StageSecurityPlanner: {
		Name: pipeline.StageSecurityPlanner, Phase: "4", Label: "4/13",
		Activity: "Modelling threats",
		Artifact: artifact.ThreatModel, TextArtifact: true,
		Decision: "threat model defined",
		Subject:  "docs(forge/security-planner): threat model",
		Bullets:  []string{"Threats and required mitigations in " + artifact.ThreatModel},
	},
	pipeline.StageUXDesigner: {
		Name: pipeline.StageUXDesigner, Phase: "5", Label: "5/13",
		Activity: "Designing the user experience",
		Artifact: artifact.UXSpec, TextArtifact: true,
		Decision: "UX spec defined",
		Subject:  "docs(forge/ux-designer): experience specification",
		Bullets:  []string{"Screens, states and copy in " + artifact.UXSpec},
	},
	pipeline.StageImplementer: {
		Name: pipeline.StageImplementer, Phase: "6", Label: "6/13",
		Activity: "Implementing application code",
		Decision: "implementation complete",
		Subject:  "feat(forge/implementer): implement application code",
		Bullets:  []string{"Implemented application per architecture spec"},
	},
	pipeline.StageTestWriter: {
		Name: pipeline.StageTestWriter, Phase: "7", Label: "7/13",
		Activity: "Writing test suite",
		Decision: "test suite written",
		Subject:  "test(forge/test-writer): add test suite",
		Bullets:  []string{"Added unit and integration tests"},
	},
	pipeline.StageCritic: {
		Name: pipeline.StageCritic, Phase: "8", Label: "8/13",
		Activity: "Reviewing implementation",
		Artifact: artifact.ReviewFindings,
		Subject:  "chore(forge/critic): review",
	},
	pipeline.StageFixer: {
		Name: pipeline.StageFixer, Phase: "9", Label: "9/13",
		Activity: "Fixing blocking issues",
		Subject:  "fix(forge/fixer): resolve blocking issues",
	},
	pipeline.StageSecurityAuditor: {
		Name: pipeline.StageSecurityAuditor, Phase: "10", Label: "10/13",
		Activity: "Auditing security implementation",
		Artifact: artifact.SecurityFindings,
		Subject:  "chore(forge/security-auditor): security review",
	},
	pipeline.StagePerformanceAgent: {
		Name: pipeline.StagePerformanceAgent, Phase: "10b", Label: "10b/13",
		Activity: "Scanning for performance anti-patterns",
		Artifact: artifact.PerformanceFindings,
		Subject:  "chore(forge/performance): performance review",
	},
	pipeline.StageCompleteness: {
		Name: pipeline.StageCompleteness, Phase: "11", Label: "11/13",
		Activity: "Evaluating completion gates",
		Artifact: artifact.DoneReport,
		Subject:  "chore(forge/completeness-judge): completion report",
	},
	pipeline.StageDocumenter: {
		Name: pipeline.StageDocumenter, Phase: "12", Label: "12/13",
		Activity: "Writing project documentation",
		Decision: "documentation generated",
		Subject:  "docs(forge/documenter): generate project documentation",
		Bullets:  []string{"README.md with setup and usage", "docs/API.md reference", "docs/DEPLOYMENT.md guide"},
	},
	pipeline.StageDeployer: {
		Name: pipeline.StageDeployer, Phase: "13", Label: "13/13",
		Activity: "Preparing deployment options",
		Artifact: artifact.DeployOptions, TextArtifact: true,
		Decision: "deployment options generated",
		Subject:  "chore(forge/deployer): deployment options",
		Bullets:  []string{"Deployment options written to " + artifact.DeployOptions},
	},
}
