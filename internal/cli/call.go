package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/session"
	"github.com/roach88/captp/internal/wire"
)

// NewCallCommand creates the call command: dial a server, obtain its
// bootstrap capability, invoke one method, and print the result.
func NewCallCommand(env *Env) *cobra.Command {
	var (
		addr        string
		interfaceID uint64
		methodID    uint16
		body        string
		timeout     time.Duration
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call a method on a server's bootstrap capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			sess, err := session.New(session.NewStreamTransport(conn, nil), &session.Options{
				Logger: env.logger(),
			})
			if err != nil {
				conn.Close()
				return err
			}
			defer sess.Close()

			boot := sess.Bootstrap()
			defer boot.DecRef()
			sr := boot.Call(caps.Request{
				Method: wire.Method{InterfaceID: interfaceID, MethodID: methodID},
				Body:   []byte(body),
			}, nil)
			defer sr.Finish()

			r, err := await(sr, timeout)
			if err != nil {
				return err
			}
			if r.Err != nil {
				return fmt.Errorf("call failed: %w", r.Err)
			}
			return printResult(cmd, asJSON, r.Resp)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", DefaultListen, "server address")
	cmd.Flags().Uint64Var(&interfaceID, "interface", 0, "interface id")
	cmd.Flags().Uint16Var(&methodID, "method", 0, "method id")
	cmd.Flags().StringVarP(&body, "body", "b", "", "request body")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "call timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

// await blocks until the struct ref resolves or the timeout expires.
func await(sr caps.StructRef, timeout time.Duration) (caps.Result, error) {
	ch := make(chan caps.Result, 1)
	sr.WhenResolved(func(r caps.Result) { ch <- r })
	select {
	case r := <-ch:
		return r, nil
	case <-time.After(timeout):
		return caps.Result{}, fmt.Errorf("call timed out after %s", timeout)
	}
}

func printResult(cmd *cobra.Command, asJSON bool, resp *caps.Response) error {
	if asJSON {
		out, err := json.Marshal(map[string]any{
			"body": string(resp.Body),
			"caps": len(resp.Caps),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.Body)
	return nil
}
