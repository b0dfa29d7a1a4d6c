package action

import "sort"

// Action type identifiers. The set is closed; unknown types fail
// validation.
const (
	TypeWaitAction     = "wait"
	TypeOrient         = "orient"
	TypeTodo           = "todo"
	TypeSearchSecrets  = "search_secrets"
	TypeSendMessage    = "send_message"
	TypeLearnSkills    = "learn_skills"
	TypeCreateSkill    = "create_skill"
	TypeRecordCost     = "record_cost"
	TypeGenerateSecret = "generate_secret"
	TypeFetchWeb       = "fetch_web"
	TypeFileRead       = "file_read"
	TypeAnswerEngine   = "answer_engine"
	TypeCallAPI        = "call_api"
	TypeCallMCP        = "call_mcp"
	TypeAdjustBudget   = "adjust_budget"
	TypeFileWrite      = "file_write"
	TypeDismissChild   = "dismiss_child"
	TypeSpawnChild     = "spawn_child"
	TypeShell          = "shell"
	TypeBatchSync      = "batch_sync"
	TypeBatchAsync     = "batch_async"
)

// Capability groups gate which actions an agent may dispatch.
const (
	CapCore       = "core"
	CapDelegation = "delegation"
	CapExecution  = "execution"
	CapWeb        = "web"
	CapMCP        = "mcp"
	CapFilesystem = "filesystem"
	CapSecrets    = "secrets"
	CapSkills     = "skills"
	CapBatch      = "batch"
)

// registry is the closed action set, keyed by type.
var registry = map[string]*Schema{
	TypeWaitAction: {
		Type:     TypeWaitAction,
		Priority: 1,
		Params: map[string]ParamSpec{
			"wait": {Type: TypeWait, Required: true, Rule: WaitParam()},
		},
		RequiresWait: true,
		Capability:   CapCore,
		When:         "Nothing productive to do right now, or waiting on children or external events.",
		How:          "wait=true blocks until new input; wait=N sleeps N seconds; wait=false yields and immediately continues.",
	},
	TypeOrient: {
		Type:     TypeOrient,
		Priority: 2,
		Params: map[string]ParamSpec{
			"situation":  {Type: TypeString, Required: true, Rule: Semantic(0.8)},
			"strategy":   {Type: TypeString, Rule: Semantic(0.8)},
			"next_steps": {Type: TypeStringList, Rule: Union()},
		},
		Capability: CapCore,
		When:       "Pause to take stock before committing to the next concrete step.",
		How:        "Summarize the situation, the strategy going forward and optional next steps.",
	},
	TypeTodo: {
		Type:     TypeTodo,
		Priority: 2,
		Params: map[string]ParamSpec{
			"items": {
				Type: TypeObjectList, Required: true, Rule: Union(),
				Keys: map[string]ParamSpec{
					"content": {Type: TypeString, Required: true},
					"state":   {Type: TypeEnum, Enum: []string{"todo", "pending", "done"}},
				},
			},
		},
		Capability: CapCore,
		When:       "Track multi-step work as an explicit list.",
		How:        "Provide the full desired list; it replaces the current one.",
	},
	TypeSearchSecrets: {
		Type:     TypeSearchSecrets,
		Priority: 2,
		Params: map[string]ParamSpec{
			"query": {Type: TypeString, Required: true, Rule: Semantic(0.7)},
		},
		Capability: CapSecrets,
		When:       "Find out which stored credentials exist before calling an API.",
		How:        "Substring query against secret names; values are never returned.",
	},
	TypeSendMessage: {
		Type:     TypeSendMessage,
		Priority: 3,
		Params: map[string]ParamSpec{
			"recipient_id": {Type: TypeString, Required: true, Rule: Exact()},
			"content":      {Type: TypeString, Required: true, Rule: Semantic(0.8)},
			"wait":         {Type: TypeWait, Required: true, Rule: WaitParam()},
		},
		RequiresWait: true,
		Capability:   CapCore,
		When:         "Report to the user or coordinate with the parent or a child agent.",
		How:          "recipient_id is an agent id, \"parent\", or \"user\".",
	},
	TypeLearnSkills: {
		Type:     TypeLearnSkills,
		Priority: 3,
		Params: map[string]ParamSpec{
			"names": {Type: TypeStringList, Required: true, Rule: Union()},
		},
		Capability: CapSkills,
		When:       "Load existing skill documents into working context.",
		How:        "Names from the skill library; unknown names are reported back.",
	},
	TypeCreateSkill: {
		Type:     TypeCreateSkill,
		Priority: 3,
		Params: map[string]ParamSpec{
			"name":        {Type: TypeString, Required: true, Rule: Exact()},
			"description": {Type: TypeString, Required: true, Rule: Semantic(0.8)},
			"content":     {Type: TypeString, Required: true, Rule: Mode()},
			"permanent":   {Type: TypeBool, Rule: Mode()},
		},
		Capability: CapSkills,
		When:       "Persist a reusable procedure discovered during this task.",
		How:        "content is the full skill document in markdown.",
	},
	TypeRecordCost: {
		Type:     TypeRecordCost,
		Priority: 4,
		Params: map[string]ParamSpec{
			"amount":      {Type: TypeNumber, Required: true, Rule: Pct(50)},
			"description": {Type: TypeString, Required: true, Rule: Mode()},
			"category":    {Type: TypeEnum, Enum: []string{"llm", "embedding", "api", "manual"}, Rule: Mode()},
		},
		Capability: CapCore,
		When:       "An external expense occurred that the system cannot meter itself.",
		How:        "amount is in account currency units.",
	},
	TypeGenerateSecret: {
		Type:     TypeGenerateSecret,
		Priority: 4,
		Params: map[string]ParamSpec{
			"name":    {Type: TypeString, Required: true, Rule: Exact()},
			"length":  {Type: TypeInt, Rule: Pct(50)},
			"charset": {Type: TypeEnum, Enum: []string{"alphanumeric", "hex", "base64", "ascii"}, Rule: Mode()},
		},
		Capability: CapSecrets,
		When:       "A new credential or token is needed.",
		How:        "The value is stored under name and never shown; reference it as {{secret:NAME}}.",
	},
	TypeFetchWeb: {
		Type:     TypeFetchWeb,
		Priority: 5,
		Params: map[string]ParamSpec{
			"url":    {Type: TypeString, Required: true, Rule: Exact()},
			"format": {Type: TypeEnum, Enum: []string{"text", "markdown", "json"}, Rule: Mode()},
		},
		Capability: CapWeb,
		When:       "Read a public web page or document.",
		How:        "Responses are reduced to text and truncated to the configured cap.",
	},
	TypeFileRead: {
		Type:     TypeFileRead,
		Priority: 5,
		Params: map[string]ParamSpec{
			"path":   {Type: TypeString, Required: true, Rule: Exact()},
			"offset": {Type: TypeInt, Rule: Pct(50)},
			"limit":  {Type: TypeInt, Rule: Pct(50)},
		},
		Capability: CapFilesystem,
		When:       "Read a text file from the workspace.",
		How:        "path must be absolute; directories and binary files are refused.",
	},
	TypeAnswerEngine: {
		Type:     TypeAnswerEngine,
		Priority: 5,
		Params: map[string]ParamSpec{
			"query": {Type: TypeString, Required: true, Rule: Semantic(0.8)},
		},
		Capability: CapWeb,
		When:       "A quick factual question not worth a full consensus cycle.",
		How:        "A single model answers; treat the result as unverified.",
	},
	TypeCallAPI: {
		Type:     TypeCallAPI,
		Priority: 6,
		Params: map[string]ParamSpec{
			"url":     {Type: TypeString, Required: true, Rule: Exact()},
			"method":  {Type: TypeEnum, Enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}, Rule: Mode()},
			"headers": {Type: TypeMap, Rule: Structural()},
			"body":    {Type: TypeString, Rule: Mode()},
			"secrets": {Type: TypeStringList, Rule: Union()},
		},
		Capability: CapWeb,
		When:       "Call an HTTP API, optionally with stored credentials.",
		How:        "Reference secrets as {{secret:NAME}} in url, headers or body and list them under secrets.",
	},
	TypeCallMCP: {
		Type:     TypeCallMCP,
		Priority: 6,
		Params: map[string]ParamSpec{
			"transport":     {Type: TypeMap, Rule: Structural()},
			"connection_id": {Type: TypeString, Rule: Exact()},
			"tool":          {Type: TypeString, Rule: Exact()},
			"arguments":     {Type: TypeMap, Rule: Structural()},
			"terminate":     {Type: TypeBool, Rule: Mode()},
		},
		XORGroups:  [][]string{{"transport"}, {"connection_id"}},
		Capability: CapMCP,
		When:       "Use a tool exposed by an MCP server.",
		How:        "transport opens a new connection ({name} or {kind,command|url}); connection_id continues or terminates an existing one.",
	},
	TypeAdjustBudget: {
		Type:     TypeAdjustBudget,
		Priority: 7,
		Params: map[string]ParamSpec{
			"child_id":       {Type: TypeString, Required: true, Rule: Exact()},
			"new_allocation": {Type: TypeNumber, Required: true, Rule: Pct(50)},
		},
		Capability: CapDelegation,
		When:       "Grow or shrink a running child's budget.",
		How:        "Increases need free parent budget; decreases cannot undercut what the child already spent or committed.",
	},
	TypeFileWrite: {
		Type:     TypeFileWrite,
		Priority: 7,
		Params: map[string]ParamSpec{
			"path":        {Type: TypeString, Required: true, Rule: Exact()},
			"mode":        {Type: TypeEnum, Required: true, Enum: []string{"write", "edit"}, Rule: Mode()},
			"content":     {Type: TypeString, Rule: Exact()},
			"old_string":  {Type: TypeString, Rule: Exact()},
			"new_string":  {Type: TypeString, Rule: Exact()},
			"replace_all": {Type: TypeBool, Rule: Mode()},
		},
		XORGroups:  [][]string{{"content"}, {"old_string", "new_string"}},
		Capability: CapFilesystem,
		When:       "Create a file or edit an existing one.",
		How:        "mode=write refuses existing files; mode=edit replaces old_string exactly once unless replace_all.",
	},
	TypeDismissChild: {
		Type:     TypeDismissChild,
		Priority: 8,
		Params: map[string]ParamSpec{
			"child_id": {Type: TypeString, Required: true, Rule: Exact()},
		},
		Capability: CapDelegation,
		When:       "A child's work is done or no longer needed.",
		How:        "Terminates the child's whole subtree and reclaims its unspent budget.",
	},
	TypeSpawnChild: {
		Type:     TypeSpawnChild,
		Priority: 9,
		Params: map[string]ParamSpec{
			"task_description":      {Type: TypeString, Required: true, Rule: Semantic(0.85)},
			"success_criteria":      {Type: TypeString, Rule: Semantic(0.85)},
			"immediate_context":     {Type: TypeString, Rule: Semantic(0.8)},
			"approach_guidance":     {Type: TypeString, Rule: Semantic(0.8)},
			"role":                  {Type: TypeString, Rule: Mode()},
			"cognitive_style":       {Type: TypeString, Rule: Mode()},
			"output_style":          {Type: TypeString, Rule: Mode()},
			"delegation_strategy":   {Type: TypeString, Rule: Mode()},
			"downstream_constraints": {Type: TypeStringList, Rule: Union()},
			"budget":                {Type: TypeNumber, Rule: Pct(50)},
			"profile":               {Type: TypeString, Rule: Mode()},
			"skills":                {Type: TypeStringList, Rule: Union()},
		},
		Capability: CapDelegation,
		When:       "A subtask is substantial enough to delegate.",
		How:        "budget is mandatory when this agent itself runs under a budget cap.",
	},
	TypeShell: {
		Type:     TypeShell,
		Priority: 10,
		Params: map[string]ParamSpec{
			"command":    {Type: TypeString, Rule: Exact()},
			"check_id":   {Type: TypeString, Rule: Exact()},
			"terminate":  {Type: TypeBool, Rule: Mode()},
			"working_dir": {Type: TypeString, Rule: Mode()},
			"timeout_ms": {Type: TypeInt, Rule: Pct(50)},
			"wait":       {Type: TypeWait, Required: true, Rule: WaitParam()},
		},
		XORGroups:    [][]string{{"command"}, {"check_id"}},
		RequiresWait: true,
		Capability:   CapExecution,
		When:         "Run a shell command in the workspace.",
		How:          "command starts a new process; check_id polls or (with terminate) kills a running one.",
	},
	TypeBatchSync: {
		Type:     TypeBatchSync,
		Priority: 11,
		Params: map[string]ParamSpec{
			"actions": {Type: TypeActionList, Required: true, Rule: BatchSeq()},
		},
		Capability: CapBatch,
		When:       "Several independent quick actions whose results are needed together.",
		How:        "Executes in order; the first failure stops the batch, preserving earlier results. Batches cannot nest.",
	},
	TypeBatchAsync: {
		Type:     TypeBatchAsync,
		Priority: 12,
		Params: map[string]ParamSpec{
			"actions": {Type: TypeActionList, Required: true, Rule: BatchSeq()},
		},
		Capability: CapBatch,
		When:       "A longer sequence that should run in the background.",
		How:        "Returns immediately; completion arrives as a batch result. Batches cannot nest.",
	},
}

// Get returns the schema for an action type, or nil.
func Get(actionType string) *Schema {
	return registry[actionType]
}

// All returns every schema ordered by priority then name.
func All() []*Schema {
	out := make([]*Schema, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// ForCapabilities returns schemas whose capability group is in groups.
func ForCapabilities(groups []string) []*Schema {
	allowed := make(map[string]bool, len(groups))
	for _, g := range groups {
		allowed[g] = true
	}
	var out []*Schema
	for _, s := range All() {
		if allowed[s.Capability] {
			out = append(out, s)
		}
	}
	return out
}

// IsBatch reports whether actionType is one of the batch actions.
func IsBatch(actionType string) bool {
	return actionType == TypeBatchSync || actionType == TypeBatchAsync
}
