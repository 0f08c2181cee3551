package httpx

import (
	"time"

	"github.com/openlobby/peerbroker/pkg/config"
	"github.com/openlobby/peerbroker/pkg/logger"
)

type (
	Options struct {
		Https                bool
		HttpsRedirect        bool
		HttpsRedirectAddress string
		HttpsCert            string
		HttpsKey             string
		HttpsDomain          string
		IdleTimeout          time.Duration
		Logger               *logger.Logger
		PortRoll             bool
		ReadTimeout          time.Duration
		WriteTimeout         time.Duration
		Zone                 string
	}
	Option func(*Options)
)

func (o *Options) override(options ...Option) {
	for _, opt := range options {
		opt(o)
	}
}

func (o *Options) IsAutoHttpsCert() bool { return !(o.HttpsCert != "" && o.HttpsKey != "") }

func HttpsRedirect(redirect bool) Option {
	return func(opts *Options) { opts.HttpsRedirect = redirect }
}

func WithLogger(log *logger.Logger) Option { return func(opts *Options) { opts.Logger = log } }
func WithPortRoll(roll bool) Option        { return func(opts *Options) { opts.PortRoll = roll } }
func WithZone(zone string) Option          { return func(opts *Options) { opts.Zone = zone } }

func WithServerConfig(conf config.Server) Option {
	return func(opts *Options) {
		opts.Https = conf.Https
		opts.HttpsCert = conf.Tls.HttpsCert
		opts.HttpsKey = conf.Tls.HttpsKey
		opts.HttpsDomain = conf.Tls.Domain
		opts.HttpsRedirectAddress = conf.Address
	}
}
