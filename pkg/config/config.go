package config

import (
	"errors"
	"time"

	flag "github.com/spf13/pflag"
)

type BrokerConfig struct {
	Broker  Broker
	Version Version
	Webrtc  Webrtc
}

type Broker struct {
	Debug            bool
	Server           Server
	Monitoring       Monitoring
	Origin           string
	Zone             string
	Reconnect        Reconnect
	Games            []GameAuth
	OpenGames        bool
	CredentialsFile  string
	WatchCredentials bool
	LockFile         string
}

// GameAuth is a pre-shared game credential pair. Clients present both
// values in their hello message.
type GameAuth struct {
	Key    string
	Secret string
}

// Reconnect sets the identity preservation window for dropped peers.
type Reconnect struct {
	TTL        time.Duration
	SweepEvery time.Duration
}

const (
	defaultReconnectTTL   = 120 * time.Second
	defaultReconnectSweep = 30 * time.Second
)

// allows custom config path
var brokerConfigPath string

func NewBrokerConfig() (conf BrokerConfig) {
	if err := LoadConfig(&conf, brokerConfigPath); err != nil {
		panic(err)
	}
	conf.Webrtc.AddIceServersEnv()
	if conf.Broker.Reconnect.TTL <= 0 {
		conf.Broker.Reconnect.TTL = defaultReconnectTTL
	}
	if conf.Broker.Reconnect.SweepEvery <= 0 {
		conf.Broker.Reconnect.SweepEvery = defaultReconnectSweep
	}
	return
}

// Validate rejects configurations the broker can't serve: an empty game
// registry with closed registration, or unusable ICE advertisements.
func (c *BrokerConfig) Validate() error {
	if !c.Broker.OpenGames && len(c.Broker.Games) == 0 && c.Broker.CredentialsFile == "" {
		return errors.New("no game credentials configured and open mode is off")
	}
	return c.Webrtc.Validate()
}

func (c *BrokerConfig) ParseFlags() {
	c.Broker.Server.WithFlags()
	flag.BoolVar(&c.Broker.Debug, "debug", c.Broker.Debug, "Enable debug logging")
	flag.IntVar(&c.Broker.Monitoring.Port, "monitoring.port", c.Broker.Monitoring.Port, "Monitoring server port")
	flag.StringVar(&brokerConfigPath, "conf", brokerConfigPath, "Set custom configuration file path")
	flag.Parse()
}
