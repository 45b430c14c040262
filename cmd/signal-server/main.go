// Command signal-server runs the rendezvous endpoint (spec §4.1): it
// accepts ADD/GET datagrams from peers and serves back the live set of
// registered contact frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/arheim/signalmesh/pkg/config"
	"github.com/arheim/signalmesh/pkg/signalserver"
)

const version = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("signal-server v%s\n", version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}
	run()
}

func printHelp() {
	fmt.Println("signal-server: UDP rendezvous endpoint for signalmesh peers")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  signal-server [-config path] [-addr ip] [-port n]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   path to a config file (env SIGNALMESH_* overrides it)")
	fmt.Println("  -addr     bind address, overrides config (default 0.0.0.0)")
	fmt.Println("  -port     bind port, overrides config (default 9000)")
}

func run() {
	fs := flag.NewFlagSet("signal-server", flag.ExitOnError)
	configFile := fs.String("config", "", "path to configuration file")
	addrFlag := fs.String("addr", "", "bind address, overrides config")
	portFlag := fs.Int("port", 0, "bind port, overrides config")
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadSignalServer(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("signal-server: failed to load configuration")
	}
	if *addrFlag != "" {
		cfg.BindAddr = *addrFlag
	}
	if *portFlag != 0 {
		cfg.BindPort = *portFlag
	}

	log := newLogger(cfg.LogLevel)

	srv, err := signalserver.New(cfg.BindAddr, cfg.BindPort, cfg.WorkerPoolSize, log)
	if err != nil {
		log.WithError(err).Fatal("signal-server: failed to bind UDP socket")
	}
	log.WithField("addr", srv.Addr()).Info("signal-server listening")

	if cfg.DebugAddr != "" {
		go serveDebug(cfg.DebugAddr, srv, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("signal-server: shutting down")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("signal-server: stopped with error")
			os.Exit(1)
		}
	}

	log.Info("signal-server: stopped")
}

func serveDebug(addr string, srv *signalserver.Server, log *logrus.Entry) {
	log.WithField("addr", addr).Info("signal-server: debug HTTP surface listening")
	if err := http.ListenAndServe(addr, srv.DebugRouter()); err != nil {
		log.WithError(err).Error("signal-server: debug HTTP server stopped")
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return logrus.NewEntry(l)
}
