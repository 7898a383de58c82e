package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v2"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"
)

const (
	ScenarioChat      = "chat"
	ScenarioInterview = "interview"
	ScenarioProfiling = "profiling"
)

// ProfileKeys are the fields the profiling scenario must collect.
var ProfileKeys = []string{"nickname", "age", "gender", "birthplace", "occupation", "dialect"}

// Presets maps a scenario name to its StartConfig defaults.
type Presets map[string]session.StartConfig

// Lookup resolves a scenario by exact name first, then by the loose
// matching older clients rely on ("Interview_v2" is an interview).
func (p Presets) Lookup(name string) (session.StartConfig, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if cfg, ok := p[name]; ok {
		return cfg, true
	}
	switch {
	case strings.Contains(name, "interview"):
		name = ScenarioInterview
	case strings.Contains(name, "profil"):
		name = ScenarioProfiling
	default:
		return session.StartConfig{}, false
	}
	cfg, ok := p[name]
	return cfg, ok
}

func (p Presets) Names() []string {
	out := make([]string, 0, len(p))
	for name := range p {
		out = append(out, name)
	}
	return out
}

type presetSpec struct {
	SystemPrompt        string         `json:"system_prompt" yaml:"system_prompt"`
	Greeting            string         `json:"greeting" yaml:"greeting"`
	ModelID             string         `json:"model_id" yaml:"model_id"`
	ModelParams         map[string]any `json:"model_params" yaml:"model_params"`
	TTS                 map[string]any `json:"tts" yaml:"tts"`
	ASR                 map[string]any `json:"asr" yaml:"asr"`
	Preset              string         `json:"preset" yaml:"preset"`
	AgentParticipantID  string         `json:"agent_participant_id" yaml:"agent_participant_id"`
	RequiredProfileKeys []string       `json:"required_profile_keys" yaml:"required_profile_keys"`
}

type presetFile struct {
	Presets map[string]presetSpec `json:"presets" yaml:"presets"`
}

// LoadPresets reads scenario presets from a YAML or JSON file and layers
// them over DefaultPresets. An empty path returns the defaults.
func LoadPresets(path string) (Presets, error) {
	out := DefaultPresets()
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}

	var file presetFile
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse json presets: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse yaml presets: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			if jerr := json.Unmarshal(data, &file); jerr != nil {
				return nil, fmt.Errorf("unsupported presets format: %s", filepath.Ext(path))
			}
		}
	}

	for name, spec := range file.Presets {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("preset with empty name")
		}
		cfg, err := spec.startConfig(name)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		out[name] = cfg
	}
	return out, nil
}

func (s presetSpec) startConfig(name string) (session.StartConfig, error) {
	cfg := session.StartConfig{
		Scenario:            name,
		SystemPrompt:        strings.TrimSpace(s.SystemPrompt),
		Greeting:            strings.TrimSpace(s.Greeting),
		ModelID:             strings.TrimSpace(s.ModelID),
		Preset:              strings.TrimSpace(s.Preset),
		AgentParticipantID:  strings.TrimSpace(s.AgentParticipantID),
		RequiredProfileKeys: s.RequiredProfileKeys,
	}
	var err error
	if cfg.ModelParams, err = rawJSON(s.ModelParams); err != nil {
		return session.StartConfig{}, fmt.Errorf("model_params: %w", err)
	}
	if cfg.TTS, err = rawJSON(s.TTS); err != nil {
		return session.StartConfig{}, fmt.Errorf("tts: %w", err)
	}
	if cfg.ASR, err = rawJSON(s.ASR); err != nil {
		return session.StartConfig{}, fmt.Errorf("asr: %w", err)
	}
	return cfg, nil
}

func rawJSON(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(normalizeYAML(m))
}

// normalizeYAML rewrites the map[interface{}]interface{} values yaml.v2
// produces for nested mappings so they can be JSON encoded.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

func DefaultPresets() Presets {
	return Presets{
		ScenarioChat: {
			Scenario: ScenarioChat,
			SystemPrompt: "You are a warm, patient companion for an older adult. Keep replies short and spoken, " +
				"ask one question at a time and follow the user's lead.",
			Greeting: "您好，今天过得怎么样？",
		},
		ScenarioInterview: {
			Scenario: ScenarioInterview,
			SystemPrompt: "You are interviewing the user about their life story. Ask open questions about people, " +
				"places and events. When a family photo would help, write $$DISPLAY_PHOTO: keyword$$ inline.",
			Greeting: "您好，我们今天聊聊您年轻时候的故事吧。",
		},
		ScenarioProfiling: {
			Scenario: ScenarioProfiling,
			SystemPrompt: "You are getting to know a new user. Learn their nickname, age, gender, birthplace, " +
				"occupation and dialect through natural conversation. Each time you learn one, append " +
				`$$PROFILE:{"key":"<field>","value":<value>}$$ to your reply. Ages are numbers.`,
			Greeting:            "您好，很高兴认识您！我该怎么称呼您呢？",
			RequiredProfileKeys: append([]string(nil), ProfileKeys...),
		},
	}
}
