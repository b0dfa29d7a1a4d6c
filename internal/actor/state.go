package actor

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/store"
)

// PromptFields is the three-zone prompt record.
type PromptFields struct {
	Injected    InjectedFields    `json:"injected"`
	Provided    ProvidedFields    `json:"provided"`
	Transformed TransformedFields `json:"transformed"`
}

// InjectedFields come from the owning task.
type InjectedFields struct {
	GlobalContext     string   `json:"global_context,omitempty"`
	GlobalConstraints []string `json:"global_constraints,omitempty"`
}

// ProvidedFields are set at spawn time.
type ProvidedFields struct {
	TaskDescription       string   `json:"task_description"`
	SuccessCriteria       string   `json:"success_criteria,omitempty"`
	ImmediateContext      string   `json:"immediate_context,omitempty"`
	ApproachGuidance      string   `json:"approach_guidance,omitempty"`
	Role                  string   `json:"role,omitempty"`
	CognitiveStyle        string   `json:"cognitive_style,omitempty"`
	OutputStyle           string   `json:"output_style,omitempty"`
	DelegationStrategy    string   `json:"delegation_strategy,omitempty"`
	DownstreamConstraints []string `json:"downstream_constraints,omitempty"`
}

// TransformedFields accumulate while the agent runs.
type TransformedFields struct {
	Narrative        []string          `json:"narrative,omitempty"`
	SiblingSummaries map[string]string `json:"sibling_summaries,omitempty"`
}

// StoredConfig is the static spawn configuration stored in the
// agent record's config column.
type StoredConfig struct {
	ProfileName      string        `json:"profile_name"`
	ModelPool        []string      `json:"model_pool"`
	CapabilityGroups []string      `json:"capability_groups"`
	Budget           budget.Budget `json:"budget_data"`
}

// RestoredState is the dynamic write-through state stored in the
// agent record's state column.
type RestoredState struct {
	Histories    map[string][]HistoryEntry `json:"model_histories"`
	ActiveSkills []store.SkillRecord       `json:"active_skills"`
	Todos        []Todo                    `json:"todos"`
	Budget       budget.Budget             `json:"budget_data"`
	Children     []string                  `json:"children"`
	Dismissing   bool                      `json:"dismissing,omitempty"`
	Transformed  TransformedFields         `json:"transformed,omitempty"`
}

// EncodeRecord serializes the actor into its persistent form.
func (a *Agent) EncodeRecord() (*store.AgentRecord, error) {
	cfg, err := json.Marshal(StoredConfig{
		ProfileName:      a.cfg.ProfileName,
		ModelPool:        a.cfg.ModelPool,
		CapabilityGroups: a.cfg.CapabilityGroups,
		Budget:           a.budget,
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent config: %w", err)
	}

	fields := a.promptFields
	fields.Transformed = a.transformed
	pf, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode prompt fields: %w", err)
	}

	state, err := json.Marshal(RestoredState{
		Histories:    a.histories,
		ActiveSkills: a.activeSkills,
		Todos:        a.todos,
		Budget:       a.budget,
		Children:     a.children,
		Dismissing:   a.dismissing,
		Transformed:  a.transformed,
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent state: %w", err)
	}

	return &store.AgentRecord{
		ID:           a.cfg.RecordID,
		TaskID:       a.cfg.TaskID,
		AgentID:      a.cfg.AgentID,
		ParentID:     a.cfg.ParentID,
		Config:       cfg,
		Status:       a.status,
		PromptFields: pf,
		State:        state,
	}, nil
}

// DecodeRecord rebuilds the actor-facing pieces of a persisted record.
func DecodeRecord(rec *store.AgentRecord) (cfg StoredConfig, fields PromptFields, state RestoredState, err error) {
	if err = json.Unmarshal(rec.Config, &cfg); err != nil {
		err = fmt.Errorf("decode agent config: %w", err)
		return
	}
	if err = json.Unmarshal(rec.PromptFields, &fields); err != nil {
		err = fmt.Errorf("decode prompt fields: %w", err)
		return
	}
	if len(rec.State) > 0 {
		if err = json.Unmarshal(rec.State, &state); err != nil {
			err = fmt.Errorf("decode agent state: %w", err)
			return
		}
	}
	return
}
