package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelate_PreservesID(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		err     error
		success bool
		wantErr string
	}{
		{name: "value", value: map[string]string{"url": "https://example.com"}, success: true},
		{name: "string value", value: "2", success: true},
		{name: "nil value", value: nil, success: true},
		{name: "handler error", err: errors.New("element not found: #missing"), wantErr: "element not found: #missing"},
		{name: "error wins over value", value: "ignored", err: errors.New("boom"), wantErr: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Correlate("cmd-1", tt.value, tt.err)
			assert.Equal(t, "cmd-1", res.ID)
			assert.Equal(t, tt.success, res.Success)
			if tt.success {
				assert.NotNil(t, res.Value)
				assert.Empty(t, res.Error)
			} else {
				assert.Nil(t, res.Value)
				assert.Equal(t, tt.wantErr, res.Error)
				assert.True(t, res.Failed())
			}
		})
	}
}

func TestFailure_EmptyErrorMessage(t *testing.T) {
	res := Failure("x", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "command failed", res.Error)
}

func TestResult_WireShape(t *testing.T) {
	ok, err := json.Marshal(Success("a", "2"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a","success":true,"value":"2"}`, string(ok))

	empty, err := json.Marshal(Success("b", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"b","success":true,"value":{}}`, string(empty))

	failed, err := json.Marshal(Failure("c", errors.New("unknown command: fly")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c","success":false,"error":"unknown command: fly"}`, string(failed))
}

func TestResult_WireShapeKeepsEmptyString(t *testing.T) {
	data, err := json.Marshal(Success("d", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"d","success":true,"value":""}`, string(data))

	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "d", back.ID)
	assert.True(t, back.Success)
	assert.Equal(t, "", back.Value)
}
