package commands

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openly/messenger/internal/config"
	"github.com/openly/messenger/internal/handlers"
	"github.com/openly/messenger/internal/store/sqlstore"
	"github.com/openly/messenger/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference messaging backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg.Server, a.log, nil)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "http service address (default :8000)")
	f.String("driver", "", "database driver: sqlite3 or postgres")
	f.String("dsn", "", "database data source name")
	a.bind("server.addr", f.Lookup("addr"))
	a.bind("server.driver", f.Lookup("driver"))
	a.bind("server.dsn", f.Lookup("dsn"))
	return cmd
}

// serve runs the backend until ctx is done. ready, when set, receives the
// bound address once the listener is up.
func serve(ctx context.Context, cfg config.Server, log *logrus.Entry, ready func(addr string)) error {
	st, err := sqlstore.New(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := ws.NewHub(st)
	go hub.Run(hubCtx)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Addr)
	}
	srv := &http.Server{
		Handler:           handlers.NewRouter(st, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.WithFields(logrus.Fields{"addr": ln.Addr().String(), "driver": cfg.Driver}).Info("Starting server")
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}
