package agent

// AgentState 是在各节点之间流转的状态。
//
// 节点不修改传入的状态，而是通过 With* 系列方法返回一份新值；
// 切片字段在复制时会做浅拷贝，保证上一步的快照不会被后续节点改写。
type AgentState struct {
	Prompt        string       `json:"prompt,omitempty"`
	PromptHistory []string     `json:"prompt_history,omitempty"`
	Plan          *Plan        `json:"plan,omitempty"`
	ToolResults   []ToolResult `json:"tool_results,omitempty"`
	Answer        string       `json:"answer,omitempty"`
	Rag           *RagContext  `json:"rag,omitempty"`
	Citations     []Citation   `json:"citations,omitempty"`
	Tools         []Tool       `json:"tools,omitempty"`
	Event         *Event       `json:"event,omitempty"`
	Error         *ErrorInfo   `json:"error,omitempty"`

	// 以下字段供回退规划器做槽位填充，对引擎本身不透明。
	Namespace     string `json:"namespace,omitempty"`
	LabelSelector string `json:"label_selector,omitempty"`
	PodName       string `json:"pod_name,omitempty"`
	Container     string `json:"container,omitempty"`
	TailLines     int    `json:"tail_lines,omitempty"`

	// Recorder 由 Runtime 在每次运行开始时挂载，不参与序列化。
	Recorder Recorder `json:"-"`
}

type Tool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

type PlanStep struct {
	StepID   string         `json:"step_id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

type Plan struct {
	Steps []PlanStep `json:"steps"`
}

type ToolResult struct {
	StepID   string         `json:"step_id"`
	ToolName string         `json:"tool_name"`
	Result   map[string]any `json:"result"`
}

type Citation struct {
	DocumentID string         `json:"document_id"`
	ChunkID    string         `json:"chunk_id"`
	Source     string         `json:"source"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RagResult 是检索命中的单个文本片段。
type RagResult struct {
	DocumentID string         `json:"document_id"`
	ChunkID    string         `json:"chunk_id"`
	Source     string         `json:"source"`
	Text       string         `json:"text"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type RagContext struct {
	Text      string      `json:"text"`
	Results   []RagResult `json:"results,omitempty"`
	Citations []Citation  `json:"citations,omitempty"`
}

type Event struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s AgentState) WithPrompt(prompt string) AgentState {
	s.Prompt = prompt
	return s
}

func (s AgentState) WithPromptHistory(history []string) AgentState {
	s.PromptHistory = append([]string(nil), history...)
	return s
}

func (s AgentState) WithPlan(plan *Plan) AgentState {
	s.Plan = plan
	return s
}

func (s AgentState) WithToolResults(results []ToolResult) AgentState {
	s.ToolResults = append(make([]ToolResult, 0, len(results)), results...)
	return s
}

func (s AgentState) WithAnswer(answer string) AgentState {
	s.Answer = answer
	return s
}

func (s AgentState) WithRag(rag *RagContext) AgentState {
	s.Rag = rag
	return s
}

func (s AgentState) WithCitations(citations []Citation) AgentState {
	s.Citations = append([]Citation(nil), citations...)
	return s
}

func (s AgentState) WithTools(tools []Tool) AgentState {
	s.Tools = append(make([]Tool, 0, len(tools)), tools...)
	return s
}

func (s AgentState) WithEvent(eventType string, payload map[string]any) AgentState {
	s.Event = &Event{EventType: eventType, Payload: payload}
	return s
}

func (s AgentState) WithError(errType, message string) AgentState {
	s.Error = &ErrorInfo{Type: errType, Message: message}
	return s
}

func (s AgentState) WithoutError() AgentState {
	s.Error = nil
	return s
}

func (s AgentState) WithRecorder(rec Recorder) AgentState {
	s.Recorder = rec
	return s
}

// ToolNames 返回当前工具快照中的工具名，顺序与发现顺序一致。
func (s AgentState) ToolNames() []string {
	names := make([]string, 0, len(s.Tools))
	for _, t := range s.Tools {
		names = append(names, t.Name)
	}
	return names
}

// HasError 判断状态是否已被某个节点标记为终止。
func (s AgentState) HasError() bool {
	return s.Error != nil
}

// Hints 返回已知的上下文槽位，未设置的字段不会出现在结果中。
func (s AgentState) Hints() map[string]any {
	out := map[string]any{}
	if s.Namespace != "" {
		out["namespace"] = s.Namespace
	}
	if s.LabelSelector != "" {
		out["label_selector"] = s.LabelSelector
	}
	if s.PodName != "" {
		out["pod_name"] = s.PodName
	}
	if s.Container != "" {
		out["container"] = s.Container
	}
	if s.TailLines > 0 {
		out["tail_lines"] = s.TailLines
	}
	return out
}
