package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSON(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{"int", Int(42), `{"type":"int","value":42}`},
		{"float", Float(1.5), `{"type":"float","value":1.5}`},
		{"string", String("hi"), `{"type":"string","value":"hi"}`},
		{"bool", Bool(true), `{"type":"bool","value":true}`},
		{"bytes", Bytes([]byte{1, 2}), `{"type":"bytes","value":"AQI="}`},
		{"none", Value{}, `{"type":"none"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var back Value
			require.NoError(t, json.Unmarshal(data, &back))
			assert.True(t, tt.in.Equal(back), "got %v", back)
		})
	}
}

func TestValueUnknownType(t *testing.T) {
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"type":"uuid","value":"x"}`), &v))
}

func TestValueAccessors(t *testing.T) {
	f, ok := Int(3).AsFloat()
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	_, ok = String("x").AsInt()
	assert.False(t, ok)

	src := []byte("abc")
	v := Bytes(src)
	src[0] = 'z'
	got, ok := v.AsBytes()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), got)
}

func TestPayloadFromMap(t *testing.T) {
	p, err := PayloadFromMap(map[string]any{"n": 1.0, "s": "x", "b": false, "nil": nil})
	require.NoError(t, err)
	assert.Equal(t, KindFloat, p["n"].Kind())
	assert.Equal(t, KindString, p["s"].Kind())
	assert.Equal(t, KindBool, p["b"].Kind())
	assert.True(t, p["nil"].IsZero())

	_, err = PayloadFromMap(map[string]any{"bad": []int{1}})
	assert.Error(t, err)
}

func TestMessageCloneIsolatesPayload(t *testing.T) {
	msg := &Message{Topic: "chat.message", Payload: Payload{"k": Bytes([]byte("v"))}}
	cp := msg.Clone()
	msg.Payload["k"] = String("changed")

	got, ok := cp.Payload["k"].AsBytes()
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestTaskHelpers(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "t1", Queue: "default", Tags: []string{"a"}, ETA: now.Add(time.Second)}

	assert.True(t, task.HasTag("a"))
	assert.False(t, task.HasTag("b"))
	assert.True(t, task.IsDelayed(now))
	assert.False(t, task.IsDelayed(now.Add(2*time.Second)))

	cp := task.Clone()
	cp.Tags[0] = "z"
	assert.Equal(t, "a", task.Tags[0])
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
	assert.Equal(t, "critical", PriorityCritical.String())
}
