package pipeline

// Status is the overall pipeline status.
type Status string

const (
	StatusInitialising Status = "initialising"
	StatusRunning      Status = "running"
	StatusComplete     Status = "complete"
	StatusEscalated    Status = "escalated"
	StatusFailed       Status = "failed"
	StatusInterrupted  Status = "interrupted"
)

// Terminal reports whether the status only changes through an explicit reset.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusEscalated || s == StatusFailed
}

// AgentStatus is the status of a single stage's agent entry.
type AgentStatus string

const (
	AgentPending AgentStatus = "pending"
	AgentRunning AgentStatus = "running"
	AgentPassed  AgentStatus = "passed"
	AgentSkipped AgentStatus = "skipped"
)

// Done reports whether a phase transition may proceed past this agent.
func (s AgentStatus) Done() bool {
	return s == AgentPassed || s == AgentSkipped
}

// Gate names.
const (
	GatePRDCoverage  = "prd_coverage"
	GateTestCoverage = "test_coverage"
	GateCriticScore  = "critic_score"
	GateSecurity     = "security"
	GatePerformance  = "performance"
)

// GateNames lists every gate in display order.
var GateNames = []string{GatePRDCoverage, GateTestCoverage, GateCriticScore, GateSecurity, GatePerformance}

// State is the persisted document describing one pipeline instance.
type State struct {
	Goal                  string                `json:"goal"`
	RunID                 string                `json:"run_id"`
	Status                Status                `json:"status"`
	Phase                 string                `json:"phase"`
	Agents                map[string]AgentState `json:"agents"`
	Gates                 map[string]*bool      `json:"gates"`
	Iterations            Iterations            `json:"iterations"`
	Thresholds            Thresholds            `json:"thresholds"`
	TokenWarningThreshold int                   `json:"token_warning_threshold"`
	DetectedFeatures      map[string]bool       `json:"detected_features"`
	TokenTotals           TokenTotals           `json:"token_totals"`
	StartedAt             string                `json:"started_at"`
	UpdatedAt             string                `json:"updated_at"`
}

// AgentState is one stage's entry in the agents map.
type AgentState struct {
	Status    AgentStatus `json:"status"`
	Activity  *string     `json:"activity"`
	TokensIn  *int        `json:"tokens_in"`
	TokensOut *int        `json:"tokens_out"`
}

// Iterations tracks the critic/fixer retry counter.
type Iterations struct {
	CriticFixer    int `json:"critic_fixer"`
	MaxCriticFixer int `json:"max_critic_fixer"`
}

// Thresholds are the configured pass bars per gate.
type Thresholds struct {
	TestCoverage          float64 `json:"test_coverage"`
	CriticScore           float64 `json:"critic_score"`
	PRDRequiredCoverage   float64 `json:"prd_required_coverage"`
	PRDNiceToHaveCoverage float64 `json:"prd_nicetohave_coverage"`
}

// TokenTotals is the sum of every agent's token counters.
type TokenTotals struct {
	In  int `json:"in"`
	Out int `json:"out"`
}

// Gate returns the value of a gate, or nil if it has not been evaluated.
func (s *State) Gate(name string) *bool {
	if s.Gates == nil {
		return nil
	}
	return s.Gates[name]
}

// Agent returns the entry for a stage, defaulting to pending.
func (s *State) Agent(name string) AgentState {
	if a, ok := s.Agents[name]; ok {
		return a
	}
	return AgentState{Status: AgentPending}
}
