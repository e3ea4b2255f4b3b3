package captp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPublicSurface_EchoExchange exercises the package through its
// exported surface only: two sessions over an in-memory pipe, one echo
// bootstrap call.
func TestPublicSurface_EchoExchange(t *testing.T) {
	ta, tb := NewPipe()

	echo := NewLocal(ServiceFunc(func(req Request, args []Client) StructRef {
		for _, a := range args {
			if a != nil {
				a.DecRef()
			}
		}
		return ResolvedOK(req.Body, nil)
	}))

	client, err := New(ta, nil)
	require.NoError(t, err)
	server, err := New(tb, &Options{Bootstrap: echo})
	require.NoError(t, err)
	defer client.Close()
	defer server.Close()
	echo.DecRef()

	boot := client.Bootstrap()
	defer boot.DecRef()

	sr := boot.Call(Request{Method: Method{InterfaceID: 7, MethodID: 1}, Body: []byte("round trip")}, nil)
	defer sr.Finish()

	ch := make(chan Result, 1)
	sr.WhenResolved(func(r Result) { ch <- r })

	select {
	case r := <-ch:
		require.NoError(t, r.Err)
		assert.Equal(t, "round trip", string(r.Resp.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("echo call did not resolve")
	}
}

func TestPublicSurface_ThirdPartyTailCallsRefused(t *testing.T) {
	ta, _ := NewPipe()
	_, err := New(ta, &Options{AllowThirdPartyTailCall: true})
	assert.Error(t, err)
}
