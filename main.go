package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/lumastream/cuebridge/internal/bridge"
	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/cue"
	"github.com/lumastream/cuebridge/internal/db"
	"github.com/lumastream/cuebridge/internal/monitoring"
	"github.com/lumastream/cuebridge/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Run against the built-in device fixture instead of the lighting service")
	configPath   = flag.String("config", config.DefaultConfigPath, "Path to the JSON configuration file")
	modeFlag     = flag.String("mode", "", "Output mode at startup (unique, group, fusion); overrides the config")
	sdkAddr      = flag.String("sdk-addr", cue.DefaultSDKAddr, "Lighting service SDK address")
	debugUDP     = flag.Bool("debug-udp", false, "Log every received datagram")
	dumpTopology = flag.Bool("dump-topology", false, "Print the device topology as JSON and exit")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*debugUDP)
	log.Print(version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && *configPath == config.DefaultConfigPath {
			log.Printf("no %s, using defaults", config.DefaultConfigPath)
			cfg = &config.Config{}
		} else {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	var client cue.Client
	if *devMode {
		client = cue.NewFixtureClient()
		log.Print("dev mode: using fixture devices")
	} else {
		client = cue.NewSDKClient(*sdkAddr, "cuebridge")
	}

	sup := cue.NewSupervisor(client, cfg)
	snap, err := sup.Start()
	if err != nil {
		log.Fatalf("failed to connect to lighting service: %v", err)
	}
	defer sup.Close()
	log.Printf("enumerated %d devices, %d LEDs", len(snap.Devices), snap.TotalLEDs)
	for i := range snap.Devices {
		d := &snap.Devices[i]
		log.Printf("  [%s] %s: %d LEDs", d.Class, d.Label(), d.LEDCount())
	}

	if *dumpTopology {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			log.Fatalf("failed to dump topology: %v", err)
		}
		return
	}

	if cfg.GetClearOnStart() {
		sup.ClearAll()
	}

	var store *db.DB
	if path := cfg.EventDBPath; path != "" {
		store, err = db.Open(path)
		if err != nil {
			log.Fatalf("failed to open event store: %v", err)
		}
		defer store.Close()
		sup.SetEventRecorder(store)
	}

	mode, err := startupMode(cfg)
	if err != nil {
		log.Fatalf("invalid output mode: %v", err)
	}

	br := bridge.New(cfg, sup)
	if store != nil {
		br.SetStatsRecorder(store)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// supervisor maintenance loop: control re-assertion and the watchdog
	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx)
		log.Print("supervisor routine terminated")
	}()

	// data path: listeners, keepalive, idle clear, stats
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := br.Run(ctx, mode); err != nil {
			log.Printf("bridge stopped: %v", err)
			stop()
		}
		log.Print("bridge routine terminated")
	}()

	// stdin reader for interactive mode switches
	wg.Add(1)
	go func() {
		defer wg.Done()
		readModeSwitches(ctx, br)
		log.Print("stdin routine terminated")
	}()

	wg.Wait()
	sup.ClearAll()
	log.Print("graceful shutdown complete")
}

// startupMode resolves the initial output mode: flag, then interactive
// prompt when configured, then the config default.
func startupMode(cfg *config.Config) (string, error) {
	if *modeFlag != "" {
		return bridge.ParseMode(*modeFlag)
	}
	if cfg.GetStartupPrompt() {
		fmt.Print("Output mode: 1) unique  2) group  3) fusion > ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err == nil {
			if mode, err := bridge.ParseMode(strings.TrimSpace(line)); err == nil {
				return mode, nil
			}
			log.Printf("unrecognized choice %q, using default", strings.TrimSpace(line))
		}
	}
	return bridge.ParseMode(cfg.GetDefaultMode())
}

// readModeSwitches applies mode names typed on stdin while running. EOF is
// fine (daemonized runs have no stdin); the goroutine then just waits for
// shutdown.
func readModeSwitches(ctx context.Context, br *bridge.Bridge) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			if line == "" {
				continue
			}
			if err := br.SwitchMode(line); err != nil {
				log.Printf("mode switch: %v", err)
			}
		}
	}
}
