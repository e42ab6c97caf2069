package reqcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaller_Normalize(t *testing.T) {
	c := Caller{}.Normalize()

	assert.Equal(t, "anonymous", c.ID)
	assert.Equal(t, SourceUnknown, c.Source)
	assert.True(t, IsValidRequestID(c.RequestID))

	kept := Caller{ID: "agent-1", Source: SourceAgent, RequestID: "req-1"}.Normalize()
	assert.Equal(t, "req-1", kept.RequestID)
	assert.Equal(t, SourceAgent, kept.Source)
}

func TestWithCaller(t *testing.T) {
	caller := NewCaller("planner", SourceAgent)
	ctx := WithCaller(context.Background(), caller)

	got, ok := GetCaller(ctx)
	assert.True(t, ok)
	assert.Equal(t, caller, got)
	assert.Equal(t, caller.RequestID, GetRequestID(ctx))
}

func TestGetCaller_NoValue(t *testing.T) {
	_, ok := GetCaller(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "", GetRequestID(context.Background()))
}
