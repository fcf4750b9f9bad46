// Package tools exposes the research engine's capabilities as
// OpenAI-compatible function tools, for the tool-calling agent path. Tool
// outputs are JSON payloads in the shapes the evidence harvester recognizes.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one executable function a model can call.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Definition returns the OpenAI-compatible function definition.
	Definition() Definition

	// Execute runs the tool and returns a JSON payload for the model.
	Execute(ctx context.Context, args string) (string, error)
}

// Definition is an OpenAI-compatible function definition.
type Definition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the function schema inside a definition.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Call is a function call request from the model.
type Call struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function CallFunction `json:"function"`
}

// CallFunction carries the requested function name and its JSON arguments.
type CallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Result is the message returned to the model after execution.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Role       string `json:"role"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// ParseArguments parses JSON tool arguments into target.
func ParseArguments(args string, target any) error {
	return json.Unmarshal([]byte(args), target)
}
