package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/visaflow-ai/visaflow/internal/crm"
	"github.com/visaflow-ai/visaflow/internal/flow"
	"github.com/visaflow-ai/visaflow/pkg/logging"
)

// Request is everything the generator gets to work with for one reply.
type Request struct {
	Context     *crm.ConversationContext
	FlowState   *flow.State
	InboundText string
}

// Reply is the generator's decision: what to send and what it learned. A nil
// *Reply from Generate means stay silent.
type Reply struct {
	Text        string
	QuestionKey string
	FlowStep    string
	Fields      map[string]string
}

// Generator produces a reply for one claimed job.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
}

const systemPrompt = `You are the intake assistant for a family visa consultancy.
You chat with prospective clients over WhatsApp, one short message at a time.
Your job is to collect the intake details the consultants need, one question
per message, and to extract any details the client already provided.

Respond with a single JSON object and nothing else:
{"text": "<message to send, or empty string to stay silent>",
 "question_key": "<key of the question you are asking, or empty>",
 "flow_step": "<flow step the question belongs to, or empty>",
 "fields": {"<field>": "<value extracted from the client's message>"}}

Rules:
- Keep messages under 300 characters and in the client's language.
- Never ask for information already collected.
- If the client asks something you cannot answer, say a consultant will follow
  up and leave "text" empty of further questions.`

// LLMGenerator builds prompts from conversation context and flow state and
// parses the model's JSON reply.
type LLMGenerator struct {
	client  LLMClient
	modelID string
	logger  *logging.Logger
}

func NewLLMGenerator(client LLMClient, modelID string, logger *logging.Logger) *LLMGenerator {
	if client == nil {
		panic("reply: llm client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LLMGenerator{client: client, modelID: modelID, logger: logger}
}

func (g *LLMGenerator) Generate(ctx context.Context, req Request) (*Reply, error) {
	llmReq := LLMRequest{
		Model:       g.modelID,
		System:      []string{systemPrompt, buildFlowPrompt(req.FlowState)},
		Messages:    buildMessages(req),
		MaxTokens:   512,
		Temperature: 0.4,
	}

	resp, err := g.client.Complete(ctx, llmReq)
	if err != nil {
		return nil, fmt.Errorf("reply: generate: %w", err)
	}

	parsed, err := ParseReply(resp.Text)
	if err != nil {
		g.logger.Warn("reply parse failed, treating as silent", "error", err)
		return nil, nil
	}
	if parsed == nil || strings.TrimSpace(parsed.Text) == "" {
		return nil, nil
	}
	return parsed, nil
}

func buildFlowPrompt(st *flow.State) string {
	if st == nil {
		return ""
	}
	def := flow.Lookup(st.FlowKey)

	var b strings.Builder
	b.WriteString("Intake flow: " + def.Key + "\n")
	if len(st.CollectedData) > 0 {
		b.WriteString("Already collected:\n")
		for _, step := range def.Steps {
			if v := st.CollectedData[step.Field]; v != "" {
				fmt.Fprintf(&b, "- %s: %s\n", step.Field, v)
			}
		}
	}
	if next := flow.NextStep(def, st.CollectedData); next != nil {
		fmt.Fprintf(&b, "Next question (question_key=%s, flow_step=%s): %s\n",
			next.QuestionKey, next.Key, next.Prompt)
	} else {
		b.WriteString("All intake fields are collected. Thank the client and tell them a consultant will be in touch.\n")
	}
	return b.String()
}

func buildMessages(req Request) []ChatMessage {
	var messages []ChatMessage
	if req.Context != nil {
		for _, entry := range req.Context.RecentMessages {
			role := ChatRoleUser
			if entry.Direction == "outbound" {
				role = ChatRoleAssistant
			}
			messages = append(messages, ChatMessage{Role: role, Content: entry.Body})
		}
	}
	inbound := strings.TrimSpace(req.InboundText)
	if inbound != "" {
		last := len(messages) - 1
		if last < 0 || messages[last].Role != ChatRoleUser || messages[last].Content != inbound {
			messages = append(messages, ChatMessage{Role: ChatRoleUser, Content: inbound})
		}
	}
	if len(messages) == 0 {
		messages = append(messages, ChatMessage{Role: ChatRoleUser, Content: "(no message text)"})
	}
	return messages
}

// ParseReply decodes the model's JSON output, tolerating code fences and
// surrounding prose. Returns nil when there is nothing to send.
func ParseReply(raw string) (*Reply, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("reply: no JSON object in model output")
	}

	var decoded struct {
		Text        string            `json:"text"`
		QuestionKey string            `json:"question_key"`
		FlowStep    string            `json:"flow_step"`
		Fields      map[string]string `json:"fields"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decoded); err != nil {
		return nil, fmt.Errorf("reply: decode model output: %w", err)
	}

	return &Reply{
		Text:        strings.TrimSpace(decoded.Text),
		QuestionKey: decoded.QuestionKey,
		FlowStep:    decoded.FlowStep,
		Fields:      decoded.Fields,
	}, nil
}
