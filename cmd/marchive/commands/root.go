package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"marchive/internal/app"
	"marchive/internal/domain"
	"marchive/internal/keystore"
)

var (
	cfg app.Config
	log zerolog.Logger
)

// Execute runs the CLI, honouring ctx for shutdown signals.
func Execute(ctx context.Context) error {
	cfg = app.FromEnv()

	root := &cobra.Command{
		Use:          "marchive",
		Short:        "Archive encrypted Matrix rooms using exported session keys",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log = newLogger(cfg.LogLevel)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "homeserver base URL (e.g. https://matrix.example.org)")
	pf.StringVar(&cfg.User, "user", cfg.User, "full user id (e.g. @alice:example.org)")
	pf.StringVar(&cfg.Password, "password", cfg.Password, "account password (prompted when empty)")
	pf.StringVar(&cfg.KeysPath, "keys", cfg.KeysPath, "exported room keys file")
	pf.StringVar(&cfg.KeysPassphrase, "keys-pass", cfg.KeysPassphrase, "key bundle passphrase (prompted when empty)")
	pf.StringVar(&cfg.OutDir, "out", cfg.OutDir, "archive output directory")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")

	root.AddCommand(archiveCmd(), roomsCmd(), keysCmd())
	return root.ExecuteContext(ctx)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().
		Timestamp().
		Str("run_id", uuid.NewString()).
		Logger()
}

// connect builds the dependency graph and logs in, prompting for any missing
// credentials. The password is dropped as soon as the login succeeds.
func connect(ctx context.Context) (*app.Wire, error) {
	var err error
	if cfg.ServerURL == "" {
		if cfg.ServerURL, err = promptLine("Homeserver URL: "); err != nil {
			return nil, err
		}
	}
	if cfg.User == "" {
		if cfg.User, err = promptLine("User id: "); err != nil {
			return nil, err
		}
	}
	if cfg.Password == "" {
		if cfg.Password, err = promptSecret("Password: "); err != nil {
			return nil, err
		}
	}

	w, err := app.NewWire(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := w.HS.Login(ctx, domain.UserID(cfg.User), cfg.Password); err != nil {
		return nil, fmt.Errorf("login as %s: %w", cfg.User, err)
	}
	cfg.Password = ""
	log.Info().Str("user", w.HS.UserID.String()).Str("device", w.HS.DeviceID).Msg("logged in")
	return w, nil
}

// loadKeys opens the configured key bundle, prompting for the path and
// passphrase when missing.
func loadKeys(w *app.Wire) (*keystore.Store, error) {
	var err error
	if cfg.KeysPath == "" {
		if cfg.KeysPath, err = promptLine("Exported room keys file: "); err != nil {
			return nil, err
		}
		w.Config.KeysPath = cfg.KeysPath
	}
	pass := cfg.KeysPassphrase
	if pass == "" {
		if pass, err = promptSecret("Key bundle passphrase: "); err != nil {
			return nil, err
		}
	}

	store, stats, err := w.LoadKeys(pass)
	if err != nil {
		return nil, err
	}
	log.Info().Int("sessions", stats.Imported).Int("skipped", stats.Skipped).Msg("key bundle loaded")
	return store, nil
}
