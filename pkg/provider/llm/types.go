package llm

import "github.com/healer-ai/p8fs/pkg/types"

// Message is an alias for [types.Message], the shared conversation-entry type
// used across provider and orchestration packages.
type Message = types.Message

// ToolCall is an alias for [types.ToolCall].
type ToolCall = types.ToolCall

// ToolDefinition is an alias for [types.ToolDefinition].
type ToolDefinition = types.ToolDefinition

// ModelCapabilities is an alias for [types.ModelCapabilities].
type ModelCapabilities = types.ModelCapabilities
