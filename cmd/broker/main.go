package main

import (
	"context"
	goflag "flag"

	"github.com/openlobby/peerbroker/pkg/broker"
	"github.com/openlobby/peerbroker/pkg/config"
	"github.com/openlobby/peerbroker/pkg/logger"
	"github.com/openlobby/peerbroker/pkg/os"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	conf := config.NewBrokerConfig()
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	conf.ParseFlags()

	log := logger.NewConsole(conf.Broker.Debug, "b", false)

	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}
	if err := conf.Validate(); err != nil {
		log.Fatal().Err(err).Msg("the configuration is unusable")
	}

	if conf.Broker.LockFile != "" {
		lock, err := os.NewFileLock(conf.Broker.LockFile)
		if err != nil {
			log.Fatal().Err(err).Msg("couldn't make the instance lock")
		}
		locked, err := lock.TryLock()
		if err != nil {
			log.Fatal().Err(err).Msg("couldn't grab the instance lock")
		}
		if !locked {
			log.Fatal().Msgf("another instance holds %v", conf.Broker.LockFile)
		}
		defer func() { _ = lock.Unlock() }()
	}

	services, err := broker.New(conf, log)
	if err != nil {
		log.Fatal().Err(err).Msg("the broker didn't start")
	}
	services.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if err := services.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("service shutdown errors")
		}
	}()
	<-os.ExpectTermination()
	cancel()
}
