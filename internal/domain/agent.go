package domain

import "time"

// AgentRole identifies a participant on the agent bus
type AgentRole string

const (
	RoleOrchestrator AgentRole = "ORCHESTRATOR"
	RoleL1           AgentRole = "L1"
	RoleL2           AgentRole = "L2"
	RoleRAG          AgentRole = "RAG"
)

// MessageKind classifies an agent message
type MessageKind string

const (
	MessageRequest  MessageKind = "REQUEST"
	MessageResponse MessageKind = "RESPONSE"
	MessageError    MessageKind = "ERROR"
)

// PayloadType tags the payload variant carried by an AgentMessage
type PayloadType string

const (
	PayloadScreeningRequest PayloadType = "SCREENING_REQUEST"
	PayloadRiskAssessment   PayloadType = "RISK_ASSESSMENT"
	PayloadContextQuery     PayloadType = "CONTEXT_QUERY"
	PayloadContextResult    PayloadType = "CONTEXT_RESULT"
)

// MessagePayload is implemented by the four payload variants
type MessagePayload interface {
	PayloadType() PayloadType
}

// AgentMessage is one entry of a conversation log
type AgentMessage struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	From           AgentRole      `json:"from_role"`
	To             AgentRole      `json:"to_role"`
	Kind           MessageKind    `json:"kind"`
	InReplyTo      string         `json:"in_reply_to,omitempty"`
	Type           PayloadType    `json:"payload_type"`
	Payload        MessagePayload `json:"payload"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ScreeningRequest is what an agent assesses: the transaction, its customer,
// the deterministic findings and whatever earlier agents concluded.
type ScreeningRequest struct {
	Transaction         *Transaction     `json:"transaction"`
	Customer            *Customer        `json:"customer,omitempty"`
	RuleMatches         []RuleMatch      `json:"rule_matches,omitempty"`
	PatternMatches      []PatternMatch   `json:"pattern_matches,omitempty"`
	RelatedTransactions []Transaction    `json:"related_transactions,omitempty"`
	PriorAssessments    []RiskAssessment `json:"prior_assessments,omitempty"`
	Context             *ContextResult   `json:"context,omitempty"`
}

func (*ScreeningRequest) PayloadType() PayloadType { return PayloadScreeningRequest }

// RiskAssessment is the structured output of one agent
type RiskAssessment struct {
	Role              AgentRole `json:"agent_role"`
	RiskScore         int       `json:"risk_score"`
	RiskBand          RiskBand  `json:"risk_band"`
	Rationale         string    `json:"rationale"`
	RecommendedAction string    `json:"recommended_action,omitempty"`
	RiskFactors       []string  `json:"risk_factors,omitempty"`
	NeedsContext      bool      `json:"needs_context,omitempty"`
	ContextRequest    string    `json:"context_request,omitempty"`
	Citations         []string  `json:"citations,omitempty"`
	Degraded          bool      `json:"degraded,omitempty"`
}

func (*RiskAssessment) PayloadType() PayloadType { return PayloadRiskAssessment }

// DegradedAssessment is substituted for an agent that failed or timed out
func DegradedAssessment(role AgentRole, reason string) *RiskAssessment {
	return &RiskAssessment{
		Role:              role,
		RiskScore:         0,
		RiskBand:          RiskBandUnknown,
		Rationale:         "agent unavailable: " + reason,
		RecommendedAction: "manual review",
		Degraded:          true,
	}
}

// ContextQuery asks the retrieval specialist for supporting material
type ContextQuery struct {
	Text string `json:"text"`
	K    int    `json:"k"`
}

func (*ContextQuery) PayloadType() PayloadType { return PayloadContextQuery }

// RetrievedDocument is a knowledge-base passage with its similarity to the query
type RetrievedDocument struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Category string  `json:"category"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// ContextResult carries retrieved passages back to the requesting agent.
// An empty result means no additional context.
type ContextResult struct {
	Query     string              `json:"query"`
	Documents []RetrievedDocument `json:"documents"`
}

func (*ContextResult) PayloadType() PayloadType { return PayloadContextResult }

// AggregatedAssessment merges the assessments produced during one conversation
type AggregatedAssessment struct {
	ConversationID    string           `json:"conversation_id"`
	RiskScore         int              `json:"risk_score"`
	RiskBand          RiskBand         `json:"risk_band"`
	Rationale         string           `json:"rationale"`
	RecommendedAction string           `json:"recommended_action,omitempty"`
	Assessments       []RiskAssessment `json:"assessments"`
	Degraded          bool             `json:"degraded"`
}
