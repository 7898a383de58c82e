package session

import (
	"encoding/json"
	"time"
)

// Config holds the orchestrator's timing and buffering knobs.
type Config struct {
	StartTimeout         time.Duration
	TeardownTimeout      time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HeartbeatMaxFailures int
	FallbackTimeout      time.Duration

	EventBuffer  int
	InboxSize    int
	ArchiveQueue int
}

func DefaultConfig() Config {
	return Config{
		StartTimeout:         30 * time.Second,
		TeardownTimeout:      10 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		HeartbeatTimeout:     5 * time.Second,
		HeartbeatMaxFailures: 3,
		FallbackTimeout:      15 * time.Second,
		EventBuffer:          256,
		InboxSize:            64,
		ArchiveQueue:         128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.HeartbeatMaxFailures <= 0 {
		c.HeartbeatMaxFailures = d.HeartbeatMaxFailures
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = d.FallbackTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.ArchiveQueue <= 0 {
		c.ArchiveQueue = d.ArchiveQueue
	}
	return c
}

// StartConfig describes the agent to start for one session.
type StartConfig struct {
	Scenario     string          `json:"scenario,omitempty" yaml:"scenario"`
	SystemPrompt string          `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Greeting     string          `json:"greeting,omitempty" yaml:"greeting"`
	ModelID      string          `json:"model_id,omitempty" yaml:"model_id"`
	ModelParams  json.RawMessage `json:"model_params,omitempty" yaml:"-"`
	TTS          json.RawMessage `json:"tts,omitempty" yaml:"-"`
	ASR          json.RawMessage `json:"asr,omitempty" yaml:"-"`
	Preset       string          `json:"preset,omitempty" yaml:"preset"`

	// AgentParticipantID is chosen at random when empty.
	AgentParticipantID string `json:"agent_participant_id,omitempty" yaml:"agent_participant_id"`

	// RequiredProfileKeys drives profile completion. No keys means the
	// profile never completes.
	RequiredProfileKeys []string `json:"required_profile_keys,omitempty" yaml:"required_profile_keys"`
}

// WithDefaults fills every empty field of c from base.
func (c StartConfig) WithDefaults(base StartConfig) StartConfig {
	if c.Scenario == "" {
		c.Scenario = base.Scenario
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = base.SystemPrompt
	}
	if c.Greeting == "" {
		c.Greeting = base.Greeting
	}
	if c.ModelID == "" {
		c.ModelID = base.ModelID
	}
	if len(c.ModelParams) == 0 {
		c.ModelParams = base.ModelParams
	}
	if len(c.TTS) == 0 {
		c.TTS = base.TTS
	}
	if len(c.ASR) == 0 {
		c.ASR = base.ASR
	}
	if c.Preset == "" {
		c.Preset = base.Preset
	}
	if c.AgentParticipantID == "" {
		c.AgentParticipantID = base.AgentParticipantID
	}
	if len(c.RequiredProfileKeys) == 0 {
		c.RequiredProfileKeys = append([]string(nil), base.RequiredProfileKeys...)
	}
	return c
}
