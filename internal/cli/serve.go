package cli

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/session"
	"github.com/roach88/captp/internal/trace"
)

// echoService is the demo bootstrap capability: every method returns
// its request body unchanged, along with any argument capabilities.
type echoService struct{}

// Recv implements caps.Service.
func (echoService) Recv(req caps.Request, args []caps.Client) caps.StructRef {
	return caps.ResolvedOK(req.Body, args)
}

// NewServeCommand creates the serve command: listen for connections and
// export the echo bootstrap service on each.
func NewServeCommand(env *Env) *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the echo bootstrap capability over TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadServeConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return runServe(cmd, env, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "yaml config file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, env *Env, cfg *ServeConfig) error {
	logger := env.logger()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())

	boot := caps.NewLocal(echoService{})
	defer boot.DecRef()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		opts := &session.Options{
			Bootstrap: boot,
			Tags:      cfg.Tags,
			Logger:    logger,
		}
		var j *trace.Journal
		if cfg.Journal != "" {
			j, err = trace.Open(cfg.Journal, conn.RemoteAddr().String())
			if err != nil {
				logger.Error("open journal", "err", err)
				j = nil
			} else {
				opts.Recorder = j
			}
		}
		sess, err := session.New(session.NewStreamTransport(conn, nil), opts)
		if err != nil {
			conn.Close()
			if j != nil {
				j.Close()
			}
			logger.Error("session", "err", err)
			continue
		}
		logger.Info("connection", "peer", conn.RemoteAddr().String(), "session", sess.Tag())
		if j != nil {
			go func(j *trace.Journal, done <-chan struct{}) {
				<-done
				j.Close()
			}(j, sess.Done())
		}
	}
}
