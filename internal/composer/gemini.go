package composer

import (
	"context"
	"fmt"
	"strings"

	aiplatform "google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/option"
)

const (
	// defaultModel is the publisher model used when none is configured.
	defaultModel = "gemini-2.0-flash"

	// generationTemperature keeps replies grounded; support drafts want
	// consistency over creativity.
	generationTemperature = 0.4

	maxOutputTokens = 1024
)

// GeminiConfig configures the Vertex AI generation backend.
type GeminiConfig struct {
	Project  string
	Location string
	// Model is the publisher model ID (default: gemini-2.0-flash).
	Model string
}

// Gemini generates reply candidates through a Vertex AI publisher model.
// Credentials come from the ambient application-default chain.
type Gemini struct {
	svc    *aiplatform.Service
	config GeminiConfig
}

var _ Generator = (*Gemini)(nil)

// NewGemini creates the Vertex AI generator.
func NewGemini(ctx context.Context, config GeminiConfig) (*Gemini, error) {
	if config.Project == "" || config.Location == "" {
		return nil, fmt.Errorf("gemini generator requires a project and location")
	}
	if config.Model == "" {
		config.Model = defaultModel
	}

	endpoint := fmt.Sprintf("https://%s-aiplatform.googleapis.com/", config.Location)
	svc, err := aiplatform.NewService(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create aiplatform service: %w", err)
	}

	return &Gemini{svc: svc, config: config}, nil
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, systemInstruction, prompt string) (string, error) {
	model := fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s",
		g.config.Project, g.config.Location, g.config.Model)

	req := &aiplatform.GoogleCloudAiplatformV1GenerateContentRequest{
		SystemInstruction: &aiplatform.GoogleCloudAiplatformV1Content{
			Parts: []*aiplatform.GoogleCloudAiplatformV1Part{
				{Text: systemInstruction},
			},
		},
		Contents: []*aiplatform.GoogleCloudAiplatformV1Content{
			{
				Role: "user",
				Parts: []*aiplatform.GoogleCloudAiplatformV1Part{
					{Text: prompt},
				},
			},
		},
		GenerationConfig: &aiplatform.GoogleCloudAiplatformV1GenerationConfig{
			Temperature:     generationTemperature,
			MaxOutputTokens: maxOutputTokens,
		},
	}

	res, err := g.svc.Projects.Locations.Publishers.Models.GenerateContent(model, req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(res.Candidates) == 0 {
		return "", fmt.Errorf("generate content: no candidates returned")
	}

	candidate := res.Candidates[0]
	if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "PROHIBITED_CONTENT" {
		return "", fmt.Errorf("generate content: candidate blocked (%s)", candidate.FinishReason)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("generate content: candidate without content")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}
