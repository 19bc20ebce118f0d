package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
		kind Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"bridge.ping","params":{}}`, true, 0},
		{"request array params", `{"jsonrpc":"2.0","id":"a","method":"m","params":[1]}`, true, 0},
		{"request null id", `{"jsonrpc":"2.0","id":null,"method":"m"}`, true, 0},
		{"notification", `{"jsonrpc":"2.0","method":"m"}`, true, 0},
		{"result", `{"jsonrpc":"2.0","id":1,"result":{}}`, true, 0},
		{"error", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error","data":[1]}}`, true, 0},

		{"missing version", `{"id":1,"method":"m"}`, false, InvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"m"}`, false, InvalidRequest},
		{"numeric version", `{"jsonrpc":2.0,"id":1,"method":"m"}`, false, InvalidRequest},
		{"empty method", `{"jsonrpc":"2.0","id":1,"method":""}`, false, InvalidRequest},
		{"method not string", `{"jsonrpc":"2.0","id":1,"method":5}`, false, InvalidRequest},
		{"scalar params", `{"jsonrpc":"2.0","id":1,"method":"m","params":"x"}`, false, InvalidParams},
		{"null params", `{"jsonrpc":"2.0","id":1,"method":"m","params":null}`, false, InvalidParams},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"m"}`, false, InvalidRequest},
		{"both result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, false, InvalidRequest},
		{"neither result nor error", `{"jsonrpc":"2.0","id":1}`, false, InvalidRequest},
		{"response without id", `{"jsonrpc":"2.0","result":{}}`, false, InvalidRequest},
		{"error not object", `{"jsonrpc":"2.0","id":1,"error":"boom"}`, false, InvalidRequest},
		{"error float code", `{"jsonrpc":"2.0","id":1,"error":{"code":1.5,"message":"x"}}`, false, InvalidRequest},
		{"error bool code", `{"jsonrpc":"2.0","id":1,"error":{"code":true,"message":"x"}}`, false, InvalidRequest},
		{"error message missing", `{"jsonrpc":"2.0","id":1,"error":{"code":1}}`, false, InvalidRequest},
		{"version only", `{"jsonrpc":"2.0"}`, false, InvalidRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Parse([]byte(tc.body))
			require.NoError(t, err)

			err = Validate(m)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.kind, verr.Kind)
			assert.Equal(t, tc.kind.Code(), verr.RPCError().Code)
		})
	}
}

func TestValidateRejectsBooleanID(t *testing.T) {
	for _, body := range []string{
		`{"jsonrpc":"2.0","id":true,"method":"m"}`,
		`{"jsonrpc":"2.0","id":false,"method":"m","params":{}}`,
		`{"jsonrpc":"2.0","id":true,"result":{}}`,
		`{"jsonrpc":"2.0","id":false,"error":{"code":-32603,"message":"x"}}`,
	} {
		m, err := Parse([]byte(body))
		require.NoError(t, err)

		var verr *ValidationError
		require.ErrorAs(t, Validate(m), &verr, body)
		assert.Equal(t, InvalidRequest, verr.Kind, body)
	}
}
