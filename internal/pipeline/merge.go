package pipeline

// Patch is a partial State. Nil pointers and absent map keys leave the
// target untouched; map entries merge key by key.
type Patch struct {
	Status                *Status
	Phase                 *string
	Agents                map[string]AgentPatch
	Gates                 map[string]*bool // present key with nil value clears the gate
	Iterations            *IterationsPatch
	Thresholds            *Thresholds
	TokenWarningThreshold *int
	DetectedFeatures      map[string]bool
}

// AgentPatch is a partial AgentState.
type AgentPatch struct {
	Status        *AgentStatus
	Activity      *string
	ClearActivity bool
	TokensIn      *int
	TokensOut     *int
}

// IterationsPatch is a partial Iterations.
type IterationsPatch struct {
	CriticFixer    *int
	MaxCriticFixer *int
}

// Merge applies p to s and returns the result. s is not modified.
// Token totals are recomputed from the agent entries.
func Merge(s State, p Patch) State {
	out := s.clone()

	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Phase != nil {
		out.Phase = *p.Phase
	}
	for name, ap := range p.Agents {
		a := out.Agent(name)
		if ap.Status != nil {
			a.Status = *ap.Status
		}
		if ap.ClearActivity {
			a.Activity = nil
		}
		if ap.Activity != nil {
			v := *ap.Activity
			a.Activity = &v
		}
		// token counters are never cleared once set
		if ap.TokensIn != nil {
			v := *ap.TokensIn
			a.TokensIn = &v
		}
		if ap.TokensOut != nil {
			v := *ap.TokensOut
			a.TokensOut = &v
		}
		out.Agents[name] = a
	}
	for name, v := range p.Gates {
		out.Gates[name] = copyBool(v)
	}
	if p.Iterations != nil {
		if p.Iterations.CriticFixer != nil {
			out.Iterations.CriticFixer = *p.Iterations.CriticFixer
		}
		if p.Iterations.MaxCriticFixer != nil {
			out.Iterations.MaxCriticFixer = *p.Iterations.MaxCriticFixer
		}
	}
	if p.Thresholds != nil {
		out.Thresholds = *p.Thresholds
	}
	if p.TokenWarningThreshold != nil {
		out.TokenWarningThreshold = *p.TokenWarningThreshold
	}
	for k, v := range p.DetectedFeatures {
		out.DetectedFeatures[k] = v
	}

	out.TokenTotals = sumTokens(out.Agents)
	return out
}

func sumTokens(agents map[string]AgentState) TokenTotals {
	var t TokenTotals
	for _, a := range agents {
		if a.TokensIn != nil {
			t.In += *a.TokensIn
		}
		if a.TokensOut != nil {
			t.Out += *a.TokensOut
		}
	}
	return t
}

func (s State) clone() State {
	out := s
	out.Agents = make(map[string]AgentState, len(s.Agents))
	for k, a := range s.Agents {
		c := a
		if a.Activity != nil {
			v := *a.Activity
			c.Activity = &v
		}
		if a.TokensIn != nil {
			v := *a.TokensIn
			c.TokensIn = &v
		}
		if a.TokensOut != nil {
			v := *a.TokensOut
			c.TokensOut = &v
		}
		out.Agents[k] = c
	}
	out.Gates = make(map[string]*bool, len(s.Gates))
	for k, v := range s.Gates {
		out.Gates[k] = copyBool(v)
	}
	out.DetectedFeatures = make(map[string]bool, len(s.DetectedFeatures))
	for k, v := range s.DetectedFeatures {
		out.DetectedFeatures[k] = v
	}
	return out
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// Ptr returns a pointer to v. Patch construction helper.
func Ptr[T any](v T) *T {
	return &v
}

// SetAgent returns a patch that touches a single agent entry.
func SetAgent(name string, ap AgentPatch) Patch {
	return Patch{Agents: map[string]AgentPatch{name: ap}}
}

// SetGate returns a patch that sets a single gate.
func SetGate(name string, v *bool) Patch {
	return Patch{Gates: map[string]*bool{name: v}}
}

// Combine folds several patches into one; later patches win on conflicts.
func Combine(patches ...Patch) Patch {
	var out Patch
	for _, p := range patches {
		if p.Status != nil {
			out.Status = p.Status
		}
		if p.Phase != nil {
			out.Phase = p.Phase
		}
		for k, v := range p.Agents {
			if out.Agents == nil {
				out.Agents = map[string]AgentPatch{}
			}
			out.Agents[k] = combineAgent(out.Agents[k], v)
		}
		for k, v := range p.Gates {
			if out.Gates == nil {
				out.Gates = map[string]*bool{}
			}
			out.Gates[k] = v
		}
		if p.Iterations != nil {
			if out.Iterations == nil {
				out.Iterations = &IterationsPatch{}
			}
			if p.Iterations.CriticFixer != nil {
				out.Iterations.CriticFixer = p.Iterations.CriticFixer
			}
			if p.Iterations.MaxCriticFixer != nil {
				out.Iterations.MaxCriticFixer = p.Iterations.MaxCriticFixer
			}
		}
		if p.Thresholds != nil {
			out.Thresholds = p.Thresholds
		}
		if p.TokenWarningThreshold != nil {
			out.TokenWarningThreshold = p.TokenWarningThreshold
		}
		for k, v := range p.DetectedFeatures {
			if out.DetectedFeatures == nil {
				out.DetectedFeatures = map[string]bool{}
			}
			out.DetectedFeatures[k] = v
		}
	}
	return out
}

func combineAgent(a, b AgentPatch) AgentPatch {
	if b.Status != nil {
		a.Status = b.Status
	}
	if b.ClearActivity {
		a.ClearActivity = true
		a.Activity = nil
	}
	if b.Activity != nil {
		a.Activity = b.Activity
		a.ClearActivity = false
	}
	if b.TokensIn != nil {
		a.TokensIn = b.TokensIn
	}
	if b.TokensOut != nil {
		a.TokensOut = b.TokensOut
	}
	return a
}
