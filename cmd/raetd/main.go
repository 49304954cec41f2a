// Command raetd runs a single RAET Stack: it loads a stack configuration,
// binds its socket, and services it in a tight cooperative loop.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"

	"github.com/raetroad/raet/pkg/estate"
	"github.com/raetroad/raet/pkg/road"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a stack YAML config (required)")
		joinName   = flag.String("join", "", "remote name to Join on startup")
		allowName  = flag.String("allow", "", "remote name to Allow on startup, after Join completes")
		tick       = flag.Duration("tick", 10*time.Millisecond, "serviceAll poll interval")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "raetd: -config is required")
		os.Exit(2)
	}

	if err := run(*configPath, *joinName, *allowName, *tick); err != nil {
		log.Fatalf("raetd: %v", err)
	}
}

func run(configPath, joinName, allowName string, tick time.Duration) error {
	fc, err := road.LoadFileConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := fc.ToStackConfig()
	if err != nil {
		return err
	}
	cfg.LoggerFactory = logging.NewDefaultLoggerFactory()

	s, err := road.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.RestoreRemotes(); err != nil {
		return err
	}

	if joinName != "" {
		if err := s.Join(joinName); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	allowed := allowName == ""
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return s.DumpRemotes()
		case <-ticker.C:
			if err := s.ServiceAll(); err != nil {
				return err
			}
			if !allowed {
				if r, ok := s.Remote(allowName); ok && r.Joined == estate.True {
					if err := s.Allow(allowName); err != nil {
						return err
					}
					allowed = true
				}
			}
		}
	}
}
