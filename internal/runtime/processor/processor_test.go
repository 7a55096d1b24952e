package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netherbrain/netherbrain/internal/runtime/engine"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

func TestProcessAssignsSequence(t *testing.T) {
	p := NewProcessor("sess-1")

	first, err := p.Emit(models.EventRunStarted, nil)
	require.NoError(t, err)
	second, err := p.Process(engine.Event{
		Type:    models.EventContentDelta,
		AgentID: "agent-1",
		Payload: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "sess-1", second.SessionID)
	assert.Equal(t, "agent-1", second.AgentID)
	assert.NotEmpty(t, second.EventID)
	assert.NotEqual(t, first.EventID, second.EventID)

	events := p.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventRunStarted, events[0].EventType)
}

func TestTerminalEndsStream(t *testing.T) {
	p := NewProcessor("sess-1")

	_, err := p.Emit(models.EventRunCompleted, nil)
	require.NoError(t, err)
	assert.True(t, p.Terminal())

	_, err = p.Process(engine.Event{Type: models.EventContentDelta})
	assert.Error(t, err)

	// Buffer still holds only the terminal event.
	assert.Len(t, p.Events(), 1)
}

func TestCompressCoalescesText(t *testing.T) {
	p := NewProcessor("sess-1")

	emit := func(ev engine.Event) {
		_, err := p.Process(ev)
		require.NoError(t, err)
	}

	emit(engine.Event{Type: models.EventMessageStart, Payload: map[string]any{"role": "assistant"}})
	emit(engine.Event{Type: models.EventContentDelta, Payload: map[string]any{"text": "Hello "}})
	emit(engine.Event{Type: models.EventContentDelta, Payload: map[string]any{"text": "world"}})
	emit(engine.Event{Type: models.EventMessageEnd})
	emit(engine.Event{Type: models.EventToolCallStart, Payload: map[string]any{
		"tool_call_id": "t1", "tool_name": "search"}})
	emit(engine.Event{Type: models.EventToolCallResult, Payload: map[string]any{
		"tool_call_id": "t1", "summary": "3 results"}})
	emit(engine.Event{Type: models.EventMessageStart, Payload: map[string]any{"role": "assistant"}})
	emit(engine.Event{Type: models.EventContentDelta, Payload: map[string]any{"text": "Done."}})
	emit(engine.Event{Type: models.EventMessageEnd})

	display := p.Compress()
	require.Len(t, display, 3)
	assert.Equal(t, "Hello world", display[0].Text)
	assert.Equal(t, "assistant", display[0].Role)
	assert.Equal(t, "tool", display[1].Role)
	assert.Equal(t, "search", display[1].ToolName)
	assert.Equal(t, "3 results", display[1].Summary)
	assert.Equal(t, "Done.", display[2].Text)
}

func TestCompressSteeringEntry(t *testing.T) {
	p := NewProcessor("sess-1")
	_, err := p.Emit(models.EventSteeringInjected, map[string]any{"text": "focus on tests"})
	require.NoError(t, err)

	display := p.Compress()
	require.Len(t, display, 1)
	assert.Equal(t, "system", display[0].Role)
	assert.Equal(t, "focus on tests", display[0].Text)
}

func TestCompressUnterminatedMessageFlushed(t *testing.T) {
	p := NewProcessor("sess-1")
	_, err := p.Process(engine.Event{Type: models.EventContentDelta,
		Payload: map[string]any{"text": "partial output"}})
	require.NoError(t, err)

	// Interrupted runs end without message_end; the partial text is
	// still preserved in the display form.
	display := p.Compress()
	require.Len(t, display, 1)
	assert.Equal(t, "partial output", display[0].Text)
}
