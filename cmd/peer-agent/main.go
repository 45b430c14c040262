// Command peer-agent runs one peer (spec §4.2): it discovers its public
// reachability via STUN, registers with a signal server, hole-punches to
// the peers it learns about, and exchanges data with them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arheim/signalmesh/pkg/config"
	"github.com/arheim/signalmesh/pkg/msgstore"
	"github.com/arheim/signalmesh/pkg/msgstore/sqlite"
	"github.com/arheim/signalmesh/pkg/notify"
	"github.com/arheim/signalmesh/pkg/peer"
	"github.com/arheim/signalmesh/pkg/stunprobe"
)

const version = "1.0.0"

// rendezvousInterval is how often the agent re-registers and re-fetches
// the peer list from the signal server.
const rendezvousInterval = 15 * time.Second

// keepAliveInterval is how often the agent re-punches every active peer
// to keep their NAT mappings from expiring.
const keepAliveInterval = 20 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("peer-agent v%s\n", version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}
	run()
}

func printHelp() {
	fmt.Println("peer-agent: signalmesh peer runtime")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peer-agent [-config path] [-nickname name] [-signal addr]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config    path to a config file (env SIGNALMESH_* overrides it)")
	fmt.Println("  -nickname  this peer's nickname, overrides config")
	fmt.Println("  -signal    signal server address (ip:port), overrides config")
}

func run() {
	fs := flag.NewFlagSet("peer-agent", flag.ExitOnError)
	configFile := fs.String("config", "", "path to configuration file")
	nicknameFlag := fs.String("nickname", "", "this peer's nickname, overrides config")
	signalFlag := fs.String("signal", "", "signal server address, overrides config")
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadPeer(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("peer-agent: failed to load configuration")
	}
	if *nicknameFlag != "" {
		cfg.Nickname = *nicknameFlag
	}
	if *signalFlag != "" {
		cfg.SignalServerAddr = *signalFlag
	}

	log := newLogger(cfg.LogLevel)

	store, err := openStore(cfg.MessageStorePath)
	if err != nil {
		log.WithError(err).Fatal("peer-agent: failed to open message store")
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var hub *notify.Hub
	if cfg.NotifyListenAddr != "" {
		hub = notify.NewHub(log)
		go serveNotify(cfg.NotifyListenAddr, hub, log)
	}

	prober := stunprobe.New(log)

	agent, err := peer.New(cfg.Nickname, cfg.BindPort, cfg.STUNServers, cfg.SignalServerAddr, prober, store, hub, log)
	if err != nil {
		log.WithError(err).Fatal("peer-agent: failed to initialize")
	}
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(ctx) }()
	go agent.RunRendezvousLoop(ctx, rendezvousInterval)
	go runKeepAlive(ctx, agent, keepAliveInterval)
	go logEvents(ctx, agent, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	log.WithField("nickname", cfg.Nickname).Info("peer-agent: running, press Ctrl+C to stop")

	select {
	case <-sigCh:
		log.Info("peer-agent: shutting down")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("peer-agent: stopped with error")
			os.Exit(1)
		}
	}

	log.Info("peer-agent: stopped")
}

func openStore(path string) (msgstore.Store, error) {
	if path == "" {
		return msgstore.NewMemory(), nil
	}
	return sqlite.Open(path)
}

func serveNotify(addr string, hub *notify.Hub, log *logrus.Entry) {
	log.WithField("addr", addr).Info("peer-agent: notify WebSocket surface listening")
	if err := http.ListenAndServe(addr, hub); err != nil {
		log.WithError(err).Error("peer-agent: notify server stopped")
	}
}

func runKeepAlive(ctx context.Context, agent *peer.Agent, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agent.PingActivePeers()
		}
	}
}

func logEvents(ctx context.Context, agent *peer.Agent, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-agent.Events():
			log.WithFields(logrus.Fields{
				"type":     ev.Type,
				"nickname": ev.Nickname,
			}).Info("peer-agent: event")
		}
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return logrus.NewEntry(l)
}
