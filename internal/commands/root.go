package commands

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openly/messenger/internal/api"
	"github.com/openly/messenger/internal/config"
	"github.com/openly/messenger/internal/crypto"
	"github.com/openly/messenger/internal/logging"
	"github.com/openly/messenger/internal/realtime"
	"github.com/openly/messenger/internal/session"
)

// app carries configuration from the root command to subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *logrus.Entry
}

func Execute() error {
	return NewRootCommand().Execute()
}

func NewRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:          "openly",
		Short:        "Openly realtime messaging client and reference backend",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(a.v, a.cfgFile); err != nil {
				return err
			}
			cfg, err := config.ParseConfig(a.v)
			if err != nil {
				return err
			}
			if err := logging.Setup(logrus.StandardLogger(), cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logrus.WithField("command", cmd.Name())
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ./openly.yaml when present)")
	pf.String("api", "", "REST base URL (e.g. http://localhost:8000)")
	pf.String("user", "", "user id to act as")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text or json)")
	a.bind("api.url", pf.Lookup("api"))
	a.bind("user.id", pf.Lookup("user"))
	a.bind("log.level", pf.Lookup("log-level"))
	a.bind("log.format", pf.Lookup("log-format"))

	root.AddCommand(serveCmd(a), chatCmd(a), registerCmd(a), keyCmd(a))
	return root
}

func (a *app) bind(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func (a *app) requireUser() (string, error) {
	if a.cfg.User.ID == "" {
		return "", errors.New("no user id: pass --user or set OPENLY_USER_ID")
	}
	return a.cfg.User.ID, nil
}

func (a *app) apiClient() *api.Client {
	c := api.New(a.cfg.API.URL, a.cfg.API.Timeout)
	c.Log = a.log.WithField("component", "api")
	return c
}

// newSession wires a session for userID from the loaded configuration.
func (a *app) newSession(userID string) (*session.Session, error) {
	opts := a.cfg.RealtimeOptions()
	opts.Logger = a.log.WithField("component", "realtime")
	ch, err := realtime.NewForUser(a.cfg.API.URL, userID, opts)
	if err != nil {
		return nil, err
	}

	cipher := crypto.NewCipher(
		crypto.WithFormat(a.cfg.CipherFormat()),
		crypto.WithLogger(a.log.WithField("component", "crypto")),
	)
	return session.New(session.Options{
		API:     a.apiClient(),
		Channel: ch,
		Box:     crypto.NewBox(userID, cipher),
		Logger:  a.log.WithField("component", "session"),
	})
}
