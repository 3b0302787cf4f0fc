package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/perimeterhq/perimeter/pkg/logx"
)

// ClaudeConfig holds configuration for the Claude-backed advisor
type ClaudeConfig struct {
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
}

// DefaultClaudeConfig returns the default advisory model configuration
func DefaultClaudeConfig() *ClaudeConfig {
	return &ClaudeConfig{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 512,
	}
}

// ClaudeAdvisor implements Advisor with the Anthropic Messages API
type ClaudeAdvisor struct {
	client   sdk.Client
	config   *ClaudeConfig
	geocoder Geocoder
	logger   *logx.Logger
}

// NewClaudeAdvisor creates a Claude-backed advisor. geocoder may be nil.
func NewClaudeAdvisor(config *ClaudeConfig, geocoder Geocoder, logger *logx.Logger) *ClaudeAdvisor {
	if config == nil {
		config = DefaultClaudeConfig()
	}
	if config.Model == "" {
		config.Model = DefaultClaudeConfig().Model
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultClaudeConfig().MaxTokens
	}
	return &ClaudeAdvisor{
		client:   sdk.NewClient(option.WithAPIKey(config.APIKey)),
		config:   config,
		geocoder: geocoder,
		logger:   logger,
	}
}

// advisoryReply is the JSON shape the model is instructed to produce
type advisoryReply struct {
	Explanation     string   `json:"explanation"`
	SuggestedRadius *float64 `json:"suggested_radius_m"`
	Confidence      *float64 `json:"confidence"`
}

// Advise runs one Messages call and parses the structured reply
func (a *ClaudeAdvisor) Advise(ctx context.Context, q Query) (*Advice, error) {
	if q.GeoContext == "" && a.geocoder != nil && q.Geofence != nil {
		// Best effort; a missing geocode just means a thinner prompt
		if area, err := a.geocoder.DescribeArea(ctx, q.Geofence.Latitude, q.Geofence.Longitude); err == nil {
			q.GeoContext = area
		}
	}

	prompt, err := buildPrompt(q)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.config.Model),
		MaxTokens: a.config.MaxTokens,
		System: []sdk.TextBlockParam{{
			Text: "You are a GPS plausibility advisor for a geofencing service. " +
				"Reply with a single JSON object: {\"explanation\": string, " +
				"\"suggested_radius_m\": number|null, \"confidence\": number|null}. " +
				"Confidence is your 0-1 estimate that the reported position is trustworthy. " +
				"No prose outside the JSON object.",
		}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("advisory message call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}

	reply, err := parseReply(text.String())
	if err != nil {
		return nil, err
	}

	if a.logger != nil {
		a.logger.LogDebugVerbose("advisory_reply", map[string]interface{}{
			"kind":          string(q.Kind),
			"model":         a.config.Model,
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
		})
	}

	return &Advice{
		Explanation:     reply.Explanation,
		SuggestedRadius: reply.SuggestedRadius,
		Confidence:      reply.Confidence,
	}, nil
}

// buildPrompt renders the query into a compact factual prompt
func buildPrompt(q Query) (string, error) {
	var b strings.Builder

	switch q.Kind {
	case KindExplainAnomaly:
		if q.Verdict == nil {
			return "", fmt.Errorf("explain_anomaly query requires a verdict")
		}
		b.WriteString("A movement step was flagged. Explain the most likely physical cause.\n")
		fmt.Fprintf(&b, "distance_m=%.1f elapsed_s=%.1f implied_speed_kmh=%.1f\n",
			q.Verdict.Distance, q.Verdict.TimeElapsed, q.Verdict.ImpliedSpeed)
		if q.Verdict.AnomalyType != nil {
			fmt.Fprintf(&b, "anomaly_type=%s\n", *q.Verdict.AnomalyType)
		}
		fmt.Fprintf(&b, "classifier_reason=%q\n", q.Verdict.Reason)
	case KindSuggestRadius:
		if q.Geofence == nil {
			return "", fmt.Errorf("suggest_radius query requires a geofence")
		}
		b.WriteString("Suggest an appropriate geofence radius in meters for this location.\n")
		fmt.Fprintf(&b, "center=%.5f,%.5f current_radius_m=%.0f type=%q\n",
			q.Geofence.Latitude, q.Geofence.Longitude, q.Geofence.Radius, q.Geofence.Type)
	case KindPlausibility:
		if q.Evaluation == nil {
			return "", fmt.Errorf("plausibility query requires an evaluation")
		}
		b.WriteString("Assess how trustworthy this containment decision is.\n")
		fmt.Fprintf(&b, "status=%s confidence=%.2f distance_m=%.1f buffer_m=%.1f\n",
			q.Evaluation.Status, q.Evaluation.Confidence, q.Evaluation.Distance, q.Evaluation.BufferZone.Buffer)
	default:
		return "", fmt.Errorf("unknown advisory kind %q", q.Kind)
	}

	if q.Current != nil {
		fmt.Fprintf(&b, "reading: accuracy_m=%.1f platform=%s source=%s\n",
			q.Current.Accuracy, q.Current.Platform, q.Current.Source)
	}
	if q.GeoContext != "" {
		fmt.Fprintf(&b, "area: %s\n", q.GeoContext)
	}

	return b.String(), nil
}

// parseReply decodes the model's JSON object, tolerating surrounding fences
func parseReply(text string) (*advisoryReply, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var reply advisoryReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
		return nil, fmt.Errorf("advisory reply is not valid JSON: %w", err)
	}
	return &reply, nil
}
