package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const geminiModel = "gemini-3-flash-preview"

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.50 // $0.50 per 1M input tokens (text/image/video)
	geminiOutputPricePerMillion = 3.00 // $3.00 per 1M output tokens (including thinking)
)

const scanPrompt = `Du bist ein Experte für den Wiederverkauf gebrauchter Gegenstände (Kleinanzeigen, eBay).
Analysiere das Bild und erstelle ein Verkaufsangebot für den Hauptgegenstand im Bild.

Wenn kein verkaufbarer Gegenstand klar erkennbar ist (leerer Tisch, Wand, unscharfes Bild, nur Personen), setze "detected" auf false und lasse die übrigen Felder leer.

Felder:
- detected: true, wenn ein verkaufbarer Gegenstand erkannt wurde
- title: kurzer, suchfreundlicher Titel mit Marke und Modell, falls sichtbar (max. 60 Zeichen)
- priceEstimate: realistischer Gebrauchtpreis in Euro, z. B. "40-55 €"
- condition: einer der Werte new, very_good, good, acceptable, defective
- category: passende Kleinanzeigen-Kategorie, z. B. "Werkzeug", "Elektronik", "Möbel"
- description: 2-3 Sätze Verkaufsbeschreibung auf Deutsch, sichtbare Mängel ehrlich nennen
- keywords: 3-8 Suchbegriffe auf Deutsch, kleingeschrieben
- reasoning: ein Satz, woran du Gegenstand, Zustand und Preis festgemacht hast

Beispiel:
{"detected": true, "title": "Bosch PSB 750 RCE Schlagbohrmaschine", "priceEstimate": "35-45 €", "condition": "good", "category": "Werkzeug", "description": "Schlagbohrmaschine von Bosch mit 750 Watt. Funktioniert einwandfrei, leichte Gebrauchsspuren am Gehäuse.", "keywords": ["bohrmaschine", "bosch", "schlagbohrmaschine", "werkzeug"], "reasoning": "Modellbezeichnung auf dem Gehäuse lesbar, Kratzer am Griff sichtbar."}

Antworte NUR mit dem JSON-Objekt.`

// GeminiClassifier uses Google's Gemini API to classify still frames.
type GeminiClassifier struct {
	client *genai.Client
	model  string
	schema *genai.Schema
}

// NewGeminiClassifier creates a new Gemini-based classifier.
func NewGeminiClassifier(ctx context.Context, apiKey string) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClassifier{
		client: client,
		model:  geminiModel,
		schema: buildScanSchema(),
	}, nil
}

// buildScanSchema creates the JSON schema for structured listing output.
func buildScanSchema() *genai.Schema {
	conditions := make([]string, 0, len(listing.Conditions))
	for _, c := range listing.Conditions {
		conditions = append(conditions, string(c))
	}

	ordering := []string{"detected", "title", "priceEstimate", "condition", "category", "description", "keywords", "reasoning"}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"detected":      {Type: genai.TypeBoolean, Description: "Whether a sellable item is in view."},
			"title":         {Type: genai.TypeString, Description: "Short listing title."},
			"priceEstimate": {Type: genai.TypeString, Description: "Used price estimate in euros."},
			"condition":     {Type: genai.TypeString, Format: "enum", Enum: conditions},
			"category":      {Type: genai.TypeString},
			"description":   {Type: genai.TypeString},
			"keywords":      {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"reasoning":     {Type: genai.TypeString},
		},
		Required:         ordering,
		PropertyOrdering: ordering,
	}
}

// Classify implements the Classifier interface using Gemini.
func (g *GeminiClassifier) Classify(ctx context.Context, imageData []byte, mimeType string) (*listing.ScanResult, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("no image data provided")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	parts := []*genai.Part{
		genai.NewPartFromText(scanPrompt),
		{InlineData: &genai.Blob{Data: imageData, MIMEType: mimeType}},
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   g.schema,
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, wrapGeminiError(err)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from Gemini")
	}

	text := result.Text()
	log.Debug().Str("response", text).Msg("gemini vision response")

	scan, err := parseScanResult(text)
	if err != nil {
		return nil, err
	}

	usage := Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		usage.CostUSD = calculateGeminiCost(usage.InputTokens, usage.OutputTokens)
	}

	log.Info().
		Str("model", g.model).
		Bool("detected", scan.Detected).
		Str("title", scan.Title).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("vision llm call")

	return scan, nil
}

func calculateGeminiCost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * geminiInputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * geminiOutputPricePerMillion
	return inputCost + outputCost
}

// wrapGeminiError turns 429 / RESOURCE_EXHAUSTED responses into a
// RateLimitError and adds context to everything else.
func wrapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || strings.EqualFold(apiErr.Status, "RESOURCE_EXHAUSTED") {
			return &RateLimitError{Err: err}
		}
		return fmt.Errorf("failed to generate content: %w", err)
	}
	// Transport errors outside the SDK's APIError still carry the code in text.
	msg := err.Error()
	if strings.Contains(msg, "Error 429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") {
		return &RateLimitError{Err: err}
	}
	return fmt.Errorf("failed to generate content: %w", err)
}

// extractJSONObject extracts a JSON object from text that may contain markdown
// code blocks or other formatting. Returns the extracted JSON string or an error.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	return text[start : end+1], nil
}

// scanResponse mirrors the model's JSON output before normalization.
type scanResponse struct {
	Detected      bool     `json:"detected"`
	Title         string   `json:"title"`
	PriceEstimate string   `json:"priceEstimate"`
	Condition     string   `json:"condition"`
	Category      string   `json:"category"`
	Description   string   `json:"description"`
	Keywords      []string `json:"keywords"`
	Reasoning     string   `json:"reasoning"`
}

func parseScanResult(text string) (*listing.ScanResult, error) {
	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	var resp scanResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w (response: %s)", err, jsonStr)
	}

	title := strings.TrimSpace(resp.Title)

	// A detection without a title is useless for a listing.
	if !resp.Detected || title == "" {
		return &listing.ScanResult{
			Detected:  false,
			Reasoning: strings.TrimSpace(resp.Reasoning),
		}, nil
	}

	return &listing.ScanResult{
		Detected:      true,
		Title:         title,
		PriceEstimate: strings.TrimSpace(resp.PriceEstimate),
		Condition:     listing.ParseCondition(resp.Condition),
		Category:      strings.TrimSpace(resp.Category),
		Description:   strings.TrimSpace(resp.Description),
		Keywords:      cleanKeywords(resp.Keywords),
		Reasoning:     strings.TrimSpace(resp.Reasoning),
	}, nil
}
