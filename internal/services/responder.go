package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"oscesim/internal/models"
)

// Responder is the generative capability that plays the patient/nurse. The
// core treats it as opaque: masked context and an utterance in, optional free
// text plus declared actions out. No internal timeout or cancellation policy
// is applied here beyond the passed context.
type Responder interface {
	Respond(ctx context.Context, systemContext, utterance string) (*models.ResponderReply, error)
}

// OpenAIResponder talks to an OpenAI-compatible chat completions endpoint and
// exposes the declared action vocabulary as tools.
type OpenAIResponder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIResponder creates a responder client for the given endpoint.
func NewOpenAIResponder(baseURL, apiKey, model string) *OpenAIResponder {
	return &OpenAIResponder{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Respond sends one turn to the chat completions endpoint.
func (r *OpenAIResponder) Respond(ctx context.Context, systemContext, utterance string) (*models.ResponderReply, error) {
	payload := map[string]interface{}{
		"model": r.model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": systemContext},
			{"role": "user", "content": utterance},
		},
		"tools":       actionToolDefinitions(),
		"temperature": 0.7,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal responder request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create responder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("responder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("responder API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content   *string `json:"content"`
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode responder response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("responder returned no choices")
	}

	message := result.Choices[0].Message
	reply := &models.ResponderReply{Content: message.Content}
	for _, call := range message.ToolCalls {
		arguments := map[string]interface{}{}
		if call.Function.Arguments != "" {
			// Malformed arguments degrade to an empty map rather than failing
			// the turn; the gate and orchestrator handle missing fields.
			_ = json.Unmarshal([]byte(call.Function.Arguments), &arguments)
		}
		reply.ToolCalls = append(reply.ToolCalls, models.ResponderToolCall{
			Name:      call.Function.Name,
			Arguments: arguments,
		})
	}
	return reply, nil
}

// actionToolDefinitions builds the declared action vocabulary in OpenAI tool
// schema form.
func actionToolDefinitions() []map[string]interface{} {
	tool := func(name, description string, properties map[string]interface{}, required []string) map[string]interface{} {
		return map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        name,
				"description": description,
				"parameters": map[string]interface{}{
					"type":       "object",
					"properties": properties,
					"required":   required,
				},
			},
		}
	}

	return []map[string]interface{}{
		tool(models.ActionRevealInfo, "Reveal one piece of history information the learner asked for",
			map[string]interface{}{
				"category": map[string]interface{}{"type": "string", "enum": models.InfoCategories},
				"content":  map[string]interface{}{"type": "string"},
			}, []string{"category", "content"}),
		tool(models.ActionRevealFinding, "Reveal one physical examination finding",
			map[string]interface{}{
				"system":     map[string]interface{}{"type": "string"},
				"finding":    map[string]interface{}{"type": "string"},
				"isAbnormal": map[string]interface{}{"type": "boolean"},
			}, []string{"system", "finding", "isAbnormal"}),
		tool(models.ActionRevealResult, "Reveal one investigation result",
			map[string]interface{}{
				"name":     map[string]interface{}{"type": "string"},
				"result":   map[string]interface{}{"type": "string"},
				"abnormal": map[string]interface{}{"type": "boolean"},
			}, []string{"name", "result", "abnormal"}),
		tool(models.ActionDenyRequest, "Refuse a request that is not appropriate for the current stage",
			map[string]interface{}{
				"reason": map[string]interface{}{"type": "string"},
			}, []string{"reason"}),
		tool(models.ActionProgressStage, "Move the encounter to the next stage",
			map[string]interface{}{
				"nextStage": map[string]interface{}{"type": "string", "enum": []string{
					string(models.StageExamination), string(models.StageInvestigations),
					string(models.StageManagement), string(models.StageEnd),
				}},
			}, []string{"nextStage"}),
		tool(models.ActionConfirmManagement, "Acknowledge the learner's proposed management plan",
			map[string]interface{}{
				"plan": map[string]interface{}{"type": "string"},
			}, []string{"plan"}),
	}
}
