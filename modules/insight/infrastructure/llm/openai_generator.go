package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
)

// Required narrative sections. Dashboards render these by name, so a
// response missing any of them is rejected rather than stored.
var requiredSections = []string{"summary", "drivers", "suggested_actions"}

const systemPromptP1 = `You are an organizational-health analyst. You receive one team's
weekly aggregate: index scores in [0,1], pooled parameter means with
uncertainty, and a contributor count. Write a short narrative for a team
lead. Never speculate about individuals; the data is anonymous and
aggregated. Respond with a JSON object containing exactly these string
fields: "summary", "drivers", "suggested_actions".`

type OpenAIGeneratorConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	PromptVersion string
}

type OpenAIGenerator struct {
	client        openai.Client
	model         string
	promptVersion string
}

func NewOpenAIGenerator(config OpenAIGeneratorConfig) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &OpenAIGenerator{
		client:        openai.NewClient(opts...),
		model:         config.Model,
		promptVersion: config.PromptVersion,
	}
}

func (g *OpenAIGenerator) ModelID() string       { return g.model }
func (g *OpenAIGenerator) PromptVersion() string { return g.promptVersion }

type aggregatePayload struct {
	Week                 string             `json:"week"`
	Indices              map[string]float64 `json:"indices"`
	ParameterMeans       map[string]float64 `json:"parameter_means"`
	ParameterUncertainty map[string]float64 `json:"parameter_uncertainty"`
	ContributorCount     int                `json:"contributor_count"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, agg *aggregate.WeeklyAggregate) (aggregate.Sections, error) {
	payload := aggregatePayload{
		Week:                 agg.WeekStart.Format("2006-01-02"),
		Indices:              agg.Indices,
		ParameterMeans:       make(map[string]float64, len(agg.ParameterMeans)),
		ParameterUncertainty: make(map[string]float64, len(agg.ParameterUncertainty)),
		ContributorCount:     agg.ContributorCount,
	}
	for p, v := range agg.ParameterMeans {
		payload.ParameterMeans[string(p)] = v
	}
	for p, v := range agg.ParameterUncertainty {
		payload.ParameterUncertainty[string(p)] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	response, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(g.systemPrompt()),
			openai.UserMessage(string(raw)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get interpretation response: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response from interpretation model")
	}

	return parseSections(response.Choices[0].Message.Content)
}

func (g *OpenAIGenerator) systemPrompt() string {
	// One prompt generation so far. New generations get a new constant and
	// a new case; old interpretations stay attributable to the prompt that
	// produced them.
	switch g.promptVersion {
	default:
		return systemPromptP1
	}
}

func parseSections(content string) (aggregate.Sections, error) {
	content = strings.TrimSpace(content)
	var sections aggregate.Sections
	if err := json.Unmarshal([]byte(content), &sections); err != nil {
		return nil, fmt.Errorf("interpretation response is not valid JSON: %w", err)
	}
	for _, name := range requiredSections {
		if strings.TrimSpace(sections[name]) == "" {
			return nil, fmt.Errorf("interpretation response missing section %q", name)
		}
	}
	return sections, nil
}
