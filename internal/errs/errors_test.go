package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	e := New(InvalidInput, "locator.ParseSource", "host is required")
	assert.Equal(t, "locator.ParseSource: host is required", e.Message())
	assert.Equal(t, "locator.ParseSource: host is required", e.Error())

	e2 := New(Timeout, "source.mysql.Connect", "")
	assert.Equal(t, "source.mysql.Connect failed", e2.Message())
}

func TestError_ErrorIncludesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	e := &Error{Kind: TransientIO, Op: "source.postgres.Connect", Cause: cause}
	assert.Equal(t, "source.postgres.Connect failed: connection refused", e.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	e := &Error{Kind: ToolFailure, Op: "toolrunner.Run", Cause: cause}
	assert.Equal(t, cause, errors.Unwrap(e))
}

func TestError_Is_MatchesByKind(t *testing.T) {
	e1 := New(TransientIO, "op.one", "x")
	e2 := New(TransientIO, "op.two", "y")
	e3 := New(ToolFailure, "op.three", "z")

	assert.True(t, errors.Is(e1, e2), "same Kind should match")
	assert.False(t, errors.Is(e1, e3), "different Kind should not match")
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(TransientIO, "op", nil))
}

func TestWrap_PreservesExistingKind(t *testing.T) {
	original := New(Cascade, "replication.Validate", "publication exists")
	wrapped := Wrap(TransientIO, "engine.RunValidate", original)
	assert.Equal(t, Cascade, KindOf(wrapped))
}

func TestWrap_PlainErrorGetsSuppliedKind(t *testing.T) {
	wrapped := Wrap(TransientIO, "source.mysql.Connect", fmt.Errorf("dial tcp: timeout"))
	assert.Equal(t, TransientIO, KindOf(wrapped))
}

func TestWithContext_AttachesKeyValue(t *testing.T) {
	e := New(DataIntegrity, "replication.Verify", "row count mismatch").WithContext("table", "orders")
	assert.Equal(t, "orders", e.Context["table"])
}

func TestKindOf_DefaultsToInvalidInputForUnclassified(t *testing.T) {
	assert.Equal(t, InvalidInput, KindOf(fmt.Errorf("plain error")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(TransientIO, "op", "")))
	assert.False(t, IsTransient(New(ToolFailure, "op", "")))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidInput, 2},
		{Validation, 2},
		{SourcePrecondition, 3},
		{TargetPrecondition, 4},
		{DataIntegrity, 5},
		{Timeout, 6},
		{Cancelled, 6},
		{ToolFailure, 1},
		{Cascade, 1},
		{TransientIO, 1},
	}
	for _, test := range tests {
		got := ExitCode(New(test.kind, "op", ""))
		assert.Equal(t, test.want, got, test.kind)
	}
	assert.Equal(t, 0, ExitCode(nil))
}
