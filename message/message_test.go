package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsNullID(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","id":null,"method":"bridge.ping"}`))
	require.NoError(t, err)

	assert.True(t, m.Has("id"))
	assert.False(t, m.IsNotification())
	req := m.Request()
	require.NotNil(t, req.ID)
	assert.True(t, req.ID.IsNull())
}

func TestParseRejectsNonObject(t *testing.T) {
	for _, body := range []string{`[1,2]`, `"text"`, `42`, ``} {
		_, err := Parse([]byte(body))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "body %q", body)
		assert.Equal(t, InvalidRequest, verr.Kind)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","method":"agent.cancel"}`))
	require.NoError(t, err)
	assert.True(t, m.IsNotification())
	assert.True(t, m.Request().IsNotification())
}

func TestRequestMarshal(t *testing.T) {
	id := NumberID(7)
	data, err := json.Marshal(&Request{JSONRPC: Version, ID: &id, Method: "initialize"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"method":"initialize"}`, string(data))

	data, err = json.Marshal(&Request{JSONRPC: Version, Method: "agent.cancel", Params: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"agent.cancel","params":{}}`, string(data))
}

func TestErrorResponseMarshal(t *testing.T) {
	data, err := json.Marshal(NewErrorResponse(NullID(), ErrParse()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, string(data))
}

func TestIDEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{`1`, `1`, true},
		{`1`, `1.0`, true},
		{`1`, `"1"`, false},
		{`"abc"`, `"abc"`, true},
		{`"abc"`, `"abd"`, false},
		{`null`, `null`, true},
	}
	for _, tc := range cases {
		var a, b ID
		require.NoError(t, json.Unmarshal([]byte(tc.a), &a))
		require.NoError(t, json.Unmarshal([]byte(tc.b), &b))
		assert.Equal(t, tc.want, a.Equal(b), "%s vs %s", tc.a, tc.b)
	}
}

func TestRecoverID(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"1.0","id":"abc","method":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, m.RecoverID().String())

	m, err = Parse([]byte(`{"jsonrpc":"2.0","id":true,"method":"x"}`))
	require.NoError(t, err)
	assert.True(t, m.RecoverID().IsNull())
}

func TestResponseFromMessage(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"Method not found"}}`))
	require.NoError(t, err)
	require.NoError(t, Validate(m))

	resp := m.Response()
	assert.True(t, resp.ID.Equal(NumberID(3)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Nil(t, resp.Result)
}

func TestIsServerErrorCode(t *testing.T) {
	assert.True(t, IsServerErrorCode(CodeServerError))
	assert.True(t, IsServerErrorCode(-32099))
	assert.False(t, IsServerErrorCode(-32100))
	assert.False(t, IsServerErrorCode(CodeInternalError))
}
