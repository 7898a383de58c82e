package gemini

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
)

type fakeModels struct {
	model    string
	contents []*genai.Content
	cfg      *genai.GenerateContentConfig
	calls    int
	resp     *genai.GenerateContentResponse
	err      error
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.model = model
	f.contents = contents
	f.cfg = cfg
	return f.resp, f.err
}

func callResponse(name string, args map[string]any) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: "model", Parts: []*genai.Part{{
			FunctionCall: &genai.FunctionCall{Name: name, Args: args},
		}}},
	}}}
}

func TestExtractProfile_ReturnsStatedMissingFields(t *testing.T) {
	fm := &fakeModels{resp: callResponse(FunctionName, map[string]any{
		"age":        float64(67),
		"birthplace": " 成都 ",
		"dialect":    "",
		"nickname":   "ignored because not missing",
	})}
	e := newExtractor(fm, "", nil)

	fields, err := e.ExtractProfile(context.Background(), "user: 我今年67岁，成都人\n", []string{"age", "birthplace", "dialect"})
	if err != nil {
		t.Fatalf("ExtractProfile: %v", err)
	}
	want := []markers.Field{
		{Key: "age", Value: markers.IntValue(67)},
		{Key: "birthplace", Value: markers.StringValue("成都")},
	}
	if len(fields) != len(want) {
		t.Fatalf("fields=%v, want %v", fields, want)
	}
	for i := range want {
		if fields[i].Key != want[i].Key || !fields[i].Value.Equal(want[i].Value) {
			t.Fatalf("field[%d]=%v, want %v", i, fields[i], want[i])
		}
	}

	if fm.model != "gemini-2.5-flash" {
		t.Fatalf("model=%q", fm.model)
	}
	decl := fm.cfg.Tools[0].FunctionDeclarations[0]
	if decl.Name != FunctionName {
		t.Fatalf("declaration=%q", decl.Name)
	}
	var keys []string
	for k := range decl.Parameters.Properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if !slices.Equal(keys, []string{"age", "birthplace", "dialect"}) {
		t.Fatalf("properties=%v", keys)
	}
	if decl.Parameters.Properties["age"].Type != genai.TypeNumber {
		t.Fatalf("age type=%v", decl.Parameters.Properties["age"].Type)
	}
	if fm.cfg.ToolConfig.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAny {
		t.Fatalf("mode=%v", fm.cfg.ToolConfig.FunctionCallingConfig.Mode)
	}
	prompt := fm.contents[0].Parts[0].Text
	if !strings.Contains(prompt, "我今年67岁") || !strings.Contains(prompt, "age, birthplace, dialect") {
		t.Fatalf("prompt=%q", prompt)
	}
}

func TestExtractProfile_UnknownKeyRequestedAsString(t *testing.T) {
	fm := &fakeModels{resp: callResponse(FunctionName, map[string]any{"hometown_food": "hotpot"})}
	e := newExtractor(fm, "m", nil)
	fields, err := e.ExtractProfile(context.Background(), "user: I love hotpot", []string{"hometown_food"})
	if err != nil {
		t.Fatalf("ExtractProfile: %v", err)
	}
	if len(fields) != 1 || fields[0].Value.String() != "hotpot" {
		t.Fatalf("fields=%v", fields)
	}
	if got := fm.cfg.Tools[0].FunctionDeclarations[0].Parameters.Properties["hometown_food"].Type; got != genai.TypeString {
		t.Fatalf("type=%v", got)
	}
}

func TestExtractProfile_IgnoresOtherFunctionsAndBadValues(t *testing.T) {
	fm := &fakeModels{resp: callResponse("other_fn", map[string]any{"age": float64(5)})}
	e := newExtractor(fm, "m", nil)
	fields, err := e.ExtractProfile(context.Background(), "user: hi", []string{"age"})
	if err != nil || len(fields) != 0 {
		t.Fatalf("fields=%v err=%v", fields, err)
	}

	fm.resp = callResponse(FunctionName, map[string]any{"age": map[string]any{"years": 5}})
	fields, err = e.ExtractProfile(context.Background(), "user: hi", []string{"age"})
	if err != nil || len(fields) != 0 {
		t.Fatalf("fields=%v err=%v", fields, err)
	}
}

func TestExtractProfile_NoWorkSkipsModel(t *testing.T) {
	fm := &fakeModels{}
	e := newExtractor(fm, "m", nil)
	if fields, err := e.ExtractProfile(context.Background(), "user: hi", nil); err != nil || fields != nil {
		t.Fatalf("fields=%v err=%v", fields, err)
	}
	if fields, err := e.ExtractProfile(context.Background(), "  ", []string{"age"}); err != nil || fields != nil {
		t.Fatalf("fields=%v err=%v", fields, err)
	}
	if fm.calls != 0 {
		t.Fatalf("calls=%d, want 0", fm.calls)
	}
}

func TestExtractProfile_WrapsModelError(t *testing.T) {
	boom := errors.New("quota")
	e := newExtractor(&fakeModels{err: boom}, "m", nil)
	_, err := e.ExtractProfile(context.Background(), "user: hi", []string{"age"})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped quota error", err)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
