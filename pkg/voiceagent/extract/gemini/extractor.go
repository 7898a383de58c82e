// Package gemini extracts profile fields from dialogue with a Gemini model
// when the agent did not annotate its replies with profile markers.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
)

const FunctionName = "save_user_info"

// fieldSchemas describes the profile keys the model knows how to fill. Keys
// outside this table are requested as free text.
var fieldSchemas = map[string]*genai.Schema{
	"nickname":   {Type: genai.TypeString, Description: "How the user asked to be addressed"},
	"age":        {Type: genai.TypeNumber, Description: "The user's age in years"},
	"gender":     {Type: genai.TypeString, Description: "The user's gender"},
	"birthplace": {Type: genai.TypeString, Description: "Where the user was born"},
	"birthTime":  {Type: genai.TypeString, Description: "When the user was born"},
	"occupation": {Type: genai.TypeString, Description: "The user's current or former occupation"},
	"dialect":    {Type: genai.TypeString, Description: "The dialect the user usually speaks"},
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Extractor struct {
	models generator
	model  string
	logger *slog.Logger
}

var _ markers.FallbackExtractor = (*Extractor)(nil)

func New(ctx context.Context, cfg Config) (*Extractor, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return newExtractor(client.Models, cfg.Model, cfg.Logger), nil
}

func newExtractor(models generator, model string, logger *slog.Logger) *Extractor {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{models: models, model: model, logger: logger}
}

// ExtractProfile asks the model to call save_user_info with whichever of the
// missing keys the dialogue states. Fields the model leaves out, or fills
// with empty values, are not returned.
func (e *Extractor) ExtractProfile(ctx context.Context, text string, missing []string) ([]markers.Field, error) {
	if len(missing) == 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}

	prompt := "Below is part of a conversation between a user and a voice assistant. " +
		"Call " + FunctionName + " with every listed field the user has clearly stated about themselves. " +
		"Leave out anything that was not said; never guess.\n\nFields: " + strings.Join(missing, ", ") +
		"\n\nConversation:\n" + text

	temp := float32(0)
	cfg := &genai.GenerateContentConfig{
		Temperature: &temp,
		Tools:       []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{declaration(missing)}}},
		ToolConfig: &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{FunctionName},
		}},
	}

	res, err := e.models.GenerateContent(ctx, e.model, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	var fields []markers.Field
	for _, call := range res.FunctionCalls() {
		if call == nil || call.Name != FunctionName {
			continue
		}
		for _, key := range missing {
			raw, ok := call.Args[key]
			if !ok {
				continue
			}
			val, ok := toValue(raw)
			if !ok {
				e.logger.Debug("fallback field skipped", "key", key, "type", fmt.Sprintf("%T", raw))
				continue
			}
			fields = append(fields, markers.Field{Key: key, Value: val})
		}
	}
	return fields, nil
}

func declaration(keys []string) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(keys))
	for _, k := range keys {
		if s, ok := fieldSchemas[k]; ok {
			props[k] = s
			continue
		}
		props[k] = &genai.Schema{Type: genai.TypeString}
	}
	return &genai.FunctionDeclaration{
		Name:        FunctionName,
		Description: "Save profile information the user shared about themselves.",
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
		},
	}
}

func toValue(raw any) (markers.Value, bool) {
	switch x := raw.(type) {
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return markers.Value{}, false
		}
		return markers.StringValue(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return markers.Value{}, false
		}
		return markers.NumberValue(json.Number(strconv.FormatFloat(x, 'f', -1, 64))), true
	case json.Number:
		return markers.NumberValue(x), true
	case int:
		return markers.IntValue(int64(x)), true
	case int64:
		return markers.IntValue(x), true
	default:
		return markers.Value{}, false
	}
}
