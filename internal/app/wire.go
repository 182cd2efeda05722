package app

import (
	"errors"
	"os"

	"github.com/rs/zerolog"

	"marchive/internal/homeserver"
	"marchive/internal/keystore"
	"marchive/internal/services/archive"
	"marchive/internal/services/decrypt"
	"marchive/internal/services/media"
	"marchive/internal/services/paginate"
)

// Wire bundles the client and the pipeline builders for the CLI.
type Wire struct {
	Config Config
	Log    zerolog.Logger
	HS     *homeserver.Client
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config, log zerolog.Logger) (*Wire, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("no homeserver URL configured")
	}
	hs := homeserver.New(cfg.ServerURL)
	if cfg.HTTP != nil {
		hs.HTTP = cfg.HTTP
	}
	return &Wire{Config: cfg, Log: log, HS: hs}, nil
}

// LoadKeys opens the exported room keys bundle named in the config.
func (w *Wire) LoadKeys(passphrase string) (*keystore.Store, keystore.ImportStats, error) {
	if w.Config.KeysPath == "" {
		return nil, keystore.ImportStats{}, errors.New("no key bundle configured")
	}
	return keystore.Load(w.Config.KeysPath, passphrase, w.Log)
}

// Pipeline builds the archiving service over the loaded key ring.
func (w *Wire) Pipeline(keys *keystore.Store) (*archive.Service, error) {
	if err := os.MkdirAll(w.Config.OutDir, 0o755); err != nil {
		return nil, err
	}
	policy := paginate.DefaultPolicy()
	if w.Config.MaxRetries > 0 {
		policy.MaxRetries = w.Config.MaxRetries
	}
	if w.Config.BatchLimit > 0 {
		policy.BatchLimit = w.Config.BatchLimit
	}
	return archive.New(
		w.HS,
		paginate.New(w.HS, policy, w.Log),
		decrypt.New(keys, w.Log),
		media.New(w.HS, w.Config.OutDir, w.Log),
		archive.Options{
			OutDir:       w.Config.OutDir,
			NoMedia:      w.Config.NoMedia,
			MediaWorkers: w.Config.MediaWorkers,
		},
		w.Log,
	), nil
}
