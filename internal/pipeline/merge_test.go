package pipeline

import (
	"testing"
)

func baseState() State {
	s := State{
		Goal:             "goal",
		Status:           StatusRunning,
		Agents:           map[string]AgentState{},
		Gates:            map[string]*bool{},
		DetectedFeatures: map[string]bool{},
	}
	for _, name := range StageOrder {
		s.Agents[name] = AgentState{Status: AgentPending}
	}
	return s
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	s := baseState()
	_ = Merge(s, Combine(
		SetAgent(StageResearch, AgentPatch{Status: Ptr(AgentPassed)}),
		SetGate(GateSecurity, Ptr(true)),
	))
	if s.Agents[StageResearch].Status != AgentPending {
		t.Errorf("input agent mutated: %q", s.Agents[StageResearch].Status)
	}
	if _, ok := s.Gates[GateSecurity]; ok {
		t.Error("input gates mutated")
	}
}

func TestMergeAgentKeyByKey(t *testing.T) {
	s := baseState()
	s = Merge(s, SetAgent(StageArchitect, AgentPatch{Status: Ptr(AgentRunning), Activity: Ptr("designing")}))
	s = Merge(s, SetAgent(StageArchitect, AgentPatch{TokensIn: Ptr(300)}))

	a := s.Agents[StageArchitect]
	if a.Status != AgentRunning {
		t.Errorf("Status = %q, want running", a.Status)
	}
	if a.Activity == nil || *a.Activity != "designing" {
		t.Errorf("Activity = %v, want designing", a.Activity)
	}
	if a.TokensIn == nil || *a.TokensIn != 300 {
		t.Errorf("TokensIn = %v, want 300", a.TokensIn)
	}

	s = Merge(s, SetAgent(StageArchitect, AgentPatch{ClearActivity: true}))
	if s.Agents[StageArchitect].Activity != nil {
		t.Errorf("Activity = %v, want nil", s.Agents[StageArchitect].Activity)
	}
}

func TestMergeRetainsTokens(t *testing.T) {
	s := baseState()
	s = Merge(s, SetAgent(StageCritic, AgentPatch{TokensIn: Ptr(50), TokensOut: Ptr(20)}))
	s = Merge(s, SetAgent(StageCritic, AgentPatch{Status: Ptr(AgentPassed)}))

	a := s.Agents[StageCritic]
	if a.TokensIn == nil || *a.TokensIn != 50 || a.TokensOut == nil || *a.TokensOut != 20 {
		t.Errorf("tokens = %v/%v, want 50/20", a.TokensIn, a.TokensOut)
	}
}

func TestMergeGateNulling(t *testing.T) {
	s := baseState()
	s = Merge(s, Patch{Gates: map[string]*bool{GateSecurity: Ptr(true), GateCriticScore: Ptr(true)}})
	s = Merge(s, Patch{Gates: map[string]*bool{GateSecurity: nil}})

	if v, ok := s.Gates[GateSecurity]; !ok || v != nil {
		t.Errorf("security gate = %v (present=%v), want explicit null", v, ok)
	}
	if v := s.Gates[GateCriticScore]; v == nil || !*v {
		t.Errorf("critic_score gate = %v, want true", v)
	}
}

func TestMergeTokenTotalsInvariant(t *testing.T) {
	tests := []struct {
		name    string
		patches []Patch
		wantIn  int
		wantOut int
	}{
		{"empty", nil, 0, 0},
		{
			"single agent",
			[]Patch{SetAgent(StageResearch, AgentPatch{TokensIn: Ptr(100), TokensOut: Ptr(30)})},
			100, 30,
		},
		{
			"overwrite then add",
			[]Patch{
				SetAgent(StageResearch, AgentPatch{TokensIn: Ptr(100), TokensOut: Ptr(30)}),
				SetAgent(StageResearch, AgentPatch{TokensIn: Ptr(150)}),
				SetAgent(StageAnalyst, AgentPatch{TokensOut: Ptr(7)}),
			},
			150, 37,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseState()
			for _, p := range tt.patches {
				s = Merge(s, p)
			}
			if s.TokenTotals.In != tt.wantIn || s.TokenTotals.Out != tt.wantOut {
				t.Errorf("TokenTotals = %+v, want {%d %d}", s.TokenTotals, tt.wantIn, tt.wantOut)
			}
		})
	}
}

func TestCombineLaterWins(t *testing.T) {
	p := Combine(
		Patch{Status: Ptr(StatusRunning), Phase: Ptr("1")},
		SetAgent(StageFixer, AgentPatch{Activity: Ptr("fixing")}),
		Patch{Phase: Ptr("2")},
		SetAgent(StageFixer, AgentPatch{ClearActivity: true}),
	)
	if *p.Phase != "2" {
		t.Errorf("Phase = %q, want 2", *p.Phase)
	}
	if *p.Status != StatusRunning {
		t.Errorf("Status = %q, want running", *p.Status)
	}
	ap := p.Agents[StageFixer]
	if !ap.ClearActivity || ap.Activity != nil {
		t.Errorf("fixer patch = %+v, want cleared activity", ap)
	}
}

func TestStagesFrom(t *testing.T) {
	got := StagesFrom(StageSecurityAuditor)
	want := []string{StageSecurityAuditor, StagePerformanceAgent, StageCompleteness, StageDocumenter, StageDeployer}
	if len(got) != len(want) {
		t.Fatalf("StagesFrom = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("StagesFrom[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if StagesFrom("nope") != nil {
		t.Error("StagesFrom(unknown) should be nil")
	}
}
