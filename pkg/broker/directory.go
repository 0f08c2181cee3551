package broker

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/openlobby/peerbroker/pkg/config"
	"github.com/openlobby/peerbroker/pkg/logger"
	"gopkg.in/yaml.v3"
)

// ErrUnauthorized rejects hello credentials that don't match any
// registered game.
var ErrUnauthorized = errors.New("unauthorized game")

// Directory resolves hello credentials into games, creating each game
// lazily on its first authenticated peer. In open mode any non-empty
// key is admitted; otherwise the key/secret pair has to match the
// registry, which comes from the main config and, optionally, from a
// watched credentials file.
type Directory struct {
	log  *logger.Logger
	open bool

	mu    sync.Mutex
	games map[string]*Game
	creds map[string]string
}

func NewDirectory(conf config.Broker, log *logger.Logger) *Directory {
	d := &Directory{
		log:   log,
		open:  conf.OpenGames,
		games: make(map[string]*Game),
		creds: make(map[string]string, len(conf.Games)),
	}
	for _, game := range conf.Games {
		d.creds[game.Key] = game.Secret
	}
	if conf.CredentialsFile != "" {
		if err := d.loadFile(conf.CredentialsFile); err != nil {
			log.Error().Err(err).Msgf("couldn't read the credentials file %v", conf.CredentialsFile)
		}
		if conf.WatchCredentials {
			go d.watch(conf.CredentialsFile)
		}
	}
	return d
}

// Verify authenticates game credentials and returns the game, making
// it on the first join. Games persist once created, even if their
// credentials are revoked later.
func (d *Directory) Verify(key string, secret string) (*Game, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		expected, ok := d.creds[key]
		if !ok || expected != secret {
			return nil, ErrUnauthorized
		}
	}
	game := d.games[key]
	if game == nil {
		game = newGame(key)
		d.games[key] = game
		metrics.Games.Inc()
		d.log.Info().Msgf("game %v has been created", key)
	}
	return game, nil
}

// ForEach visits every game.
func (d *Directory) ForEach(fn func(g *Game)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range d.games {
		fn(g)
	}
}

// loadFile swaps the live credential registry for the file contents.
func (d *Directory) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var list struct {
		Games []config.GameAuth `yaml:"games"`
	}
	if err := yaml.Unmarshal(data, &list); err != nil {
		return err
	}
	creds := make(map[string]string, len(list.Games))
	for _, game := range list.Games {
		creds[game.Key] = game.Secret
	}
	d.mu.Lock()
	d.creds = creds
	d.mu.Unlock()
	d.log.Info().Msgf("loaded %v game credentials from %v", len(creds), path)
	return nil
}

// watch reloads the credential registry whenever the file changes.
// Editors and orchestrators tend to replace the file on save, so the
// watch is on the parent directory rather than the file itself.
func (d *Directory) watch(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Error().Err(err).Msg("couldn't start the credentials watcher")
		return
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		d.log.Error().Err(err).Msgf("couldn't watch %v", filepath.Dir(path))
		return
	}
	d.log.Info().Msgf("watching the credentials file %v", path)
	base := filepath.Base(path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := d.loadFile(path); err != nil {
					d.log.Error().Err(err).Msg("credentials reload failed")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.log.Error().Err(err).Msg("credentials watch error")
		}
	}
}
