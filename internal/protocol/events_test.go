package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConsoleEvent(t *testing.T) {
	ev, err := DecodeEvent("Runtime.consoleAPICalled", json.RawMessage(
		`{"type":"log","args":[{"type":"string","value":"success"}],"timestamp":1.5}`))
	require.NoError(t, err)

	console, ok := ev.(*ConsoleAPICalled)
	require.True(t, ok)
	assert.Equal(t, EventConsoleAPICalled, console.Kind())
	assert.Equal(t, "log", console.Type)
	assert.Equal(t, "success", console.FirstArg())
}

func TestDecodeConsoleEventRejectsMissingType(t *testing.T) {
	_, err := DecodeEvent("Runtime.consoleAPICalled", json.RawMessage(`{"args":[]}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodePausedEvent(t *testing.T) {
	ev, err := DecodeEvent("Debugger.paused", json.RawMessage(
		`{"reason":"other","callFrames":[{"callFrameId":"frame-1","functionName":"f","location":{"scriptId":"9","lineNumber":2,"columnNumber":4}}]}`))
	require.NoError(t, err)

	paused, ok := ev.(*Paused)
	require.True(t, ok)
	assert.Equal(t, "frame-1", paused.TopFrameID())
	assert.Equal(t, "9", paused.CallFrames[0].Location.ScriptID)

	ev, err = DecodeEvent("Debugger.paused", json.RawMessage(`{"reason":"other","callFrames":[]}`))
	require.NoError(t, err)
	assert.Empty(t, ev.(*Paused).TopFrameID())

	_, err = DecodeEvent("Debugger.paused", json.RawMessage(`{"reason":"other","callFrames":[{"functionName":"f"}]}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := DecodeEvent("Debugger.scriptParsed", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestRemoteObjectText(t *testing.T) {
	cases := []struct {
		obj  RemoteObject
		want string
	}{
		{RemoteObject{Type: "string", Value: json.RawMessage(`"fail"`)}, "fail"},
		{RemoteObject{Type: "number", Value: json.RawMessage(`3`)}, "3"},
		{RemoteObject{Type: "number", Value: json.RawMessage(`2.5`)}, "2.5"},
		{RemoteObject{Type: "boolean", Value: json.RawMessage(`true`)}, "true"},
		{RemoteObject{Type: "object", ClassName: "Potato", Description: "Potato"}, "Potato"},
		{RemoteObject{Type: "undefined"}, "undefined"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.obj.Text())
	}
}
