package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/40three/ftpserver"
	"github.com/40three/ftpserver/config"
	"github.com/40three/ftpserver/log"
)

var configFile = flag.String("config", "config.yaml", "path to the configuration file")

func main() {
	flag.Parse()
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))

	cfg, err := config.Init(*configFile)
	if err != nil {
		log.Fatal(err)
	}

	srv, err := ftpserver.New(cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		log.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.Stop()
}
