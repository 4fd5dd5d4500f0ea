package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventCapture(t *testing.T) {
	events := []*Event{
		NewEvent("classifier", "intent: travel").
			WithDelta(map[string]any{"intent": "travel"}).
			WithMetadata("weave:visibility", "internal"),
		{
			Author: "router",
			ToolCalls: []ToolCall{
				{ID: "call-1", Type: "function", Function: FunctionCall{Name: "transfer", Arguments: "planner"}},
			},
		},
	}

	data, err := MarshalEvents(events)
	assert.NoError(t, err)

	// 回放后端依赖捕获事件的完整还原
	restored, err := UnmarshalEvents(data)
	assert.NoError(t, err)
	assert.Len(t, restored, 2)
	assert.Equal(t, "classifier", restored[0].Author)
	assert.Equal(t, "intent: travel", *restored[0].Content)
	assert.Equal(t, "travel", restored[0].StateDelta["intent"])
	assert.Equal(t, "internal", restored[0].Metadata["weave:visibility"])
	assert.Equal(t, "planner", restored[1].ToolCalls[0].Function.Arguments)
}
