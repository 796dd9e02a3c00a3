package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/openmifare/mcrw-agent/internal/agent"
	"github.com/openmifare/mcrw-agent/internal/api"
	"github.com/openmifare/mcrw-agent/internal/config"
	"github.com/openmifare/mcrw-agent/internal/dump"
	"github.com/openmifare/mcrw-agent/internal/logging"
	"github.com/openmifare/mcrw-agent/internal/mifare"
	"github.com/openmifare/mcrw-agent/internal/reader"
	"github.com/openmifare/mcrw-agent/internal/settings"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	readerFlag := flag.Int("reader", -1, "Reader index to use (default: preferred reader from settings, else 0)")
	configFlag := flag.String("config", "", "Config file for serve mode")

	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "version":
		printVersion()
		return
	case "serve":
		serve(*configFlag)
		return
	case "list-readers":
		if err := listReaders(); err != nil {
			log.Fatalf("Failed to list readers: %v", err)
		}
		return
	}

	// Card action: a|b <key> <action> [block|sector|file] [data|value]
	if len(args) < 3 {
		flag.Usage()
		os.Exit(2)
	}

	if err := runAction(reader.DefaultContextFactory{}, *readerFlag, args[0], args[1], args[2], args[3:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "MCRW Agent - Mifare Classic card reader/writer\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  mcrw-agent [flags] a|b <key> <action> <block|sector> [data|value]\n")
	fmt.Fprintf(os.Stderr, "  mcrw-agent [flags] a|b <key> dump-card|restore-card <file>\n")
	fmt.Fprintf(os.Stderr, "  mcrw-agent [flags] a|b <key> read-card-info\n")
	fmt.Fprintf(os.Stderr, "  mcrw-agent <command>\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve          Run the HTTP/WebSocket API\n")
	fmt.Fprintf(os.Stderr, "  list-readers   List attached card readers\n")
	fmt.Fprintf(os.Stderr, "  version        Print version information\n\n")
	fmt.Fprintf(os.Stderr, "Actions addressed by block:\n")
	fmt.Fprintf(os.Stderr, "  read-block, read-block-string, write-block, write-block-string,\n")
	fmt.Fprintf(os.Stderr, "  clear-block, read-value-block, format-value-block,\n")
	fmt.Fprintf(os.Stderr, "  increment-value-block, decrement-value-block\n\n")
	fmt.Fprintf(os.Stderr, "Actions addressed by sector:\n")
	fmt.Fprintf(os.Stderr, "  read-sector, read-sector-string, read-sector-info, write-sector,\n")
	fmt.Fprintf(os.Stderr, "  write-sector-string, clear-sector, read-sector-trailer,\n")
	fmt.Fprintf(os.Stderr, "  write-sector-trailer\n\n")
	fmt.Fprintf(os.Stderr, "The key is 12 hex characters; pass - to be prompted without echo.\n")
	fmt.Fprintf(os.Stderr, "Write actions read their data from stdin when the argument is omitted.\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
	fmt.Fprintf(os.Stderr, "  MCRW_AGENT_PORT    Port to listen on (default: %d)\n", config.DefaultPort)
	fmt.Fprintf(os.Stderr, "  MCRW_AGENT_HOST    Host to bind to (default: %s)\n", config.DefaultHost)
}

func printVersion() {
	fmt.Printf("mcrw-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func listReaders() error {
	readers, err := agent.ListReaders(reader.DefaultContextFactory{})
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		fmt.Println("No readers attached")
		return nil
	}
	for _, r := range readers {
		fmt.Printf("%d: %s\n", r.Index, r.Name)
	}
	return nil
}

// resolveReader picks the reader for CLI actions: the -reader flag when
// given, else the preferred reader from settings, else index 0.
func resolveReader(factory reader.ContextFactory, index int) (reader.Reader, error) {
	if index >= 0 {
		return agent.ResolveReader(factory, index)
	}

	if _, err := settings.Load(); err == nil {
		if preferred := settings.PreferredReader(); preferred != "" {
			readers, err := agent.ListReaders(factory)
			if err != nil {
				return reader.Reader{}, err
			}
			for _, r := range readers {
				if r.Name == preferred {
					return r, nil
				}
			}
		}
	}

	return agent.ResolveReader(factory, 0)
}

func runAction(factory reader.ContextFactory, readerIndex int, keyType, key, action string, rest []string) error {
	key, err := resolveKey(key)
	if err != nil {
		return err
	}

	r, err := resolveReader(factory, readerIndex)
	if err != nil {
		return err
	}

	switch action {
	case "dump-card":
		if len(rest) < 1 {
			return fmt.Errorf("dump-card needs a file argument")
		}
		return dumpCard(factory, r.Name, keyType, key, rest[0])
	case "restore-card":
		if len(rest) < 1 {
			return fmt.Errorf("restore-card needs a file argument")
		}
		return restoreCard(factory, r.Name, keyType, key, rest[0])
	}

	if !agent.KnownOp(action) {
		return fmt.Errorf("unknown action %q", action)
	}

	req := agent.Request{Op: action, KeyType: keyType, Key: key}
	args := rest

	if action != "read-card-info" {
		if len(args) < 1 {
			return fmt.Errorf("%s needs a %s argument", action, targetName(action))
		}
		target, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid %s %q", targetName(action), args[0])
		}
		if agent.BlockOps[action] {
			req.Block = target
		} else {
			req.Sector = target
		}
		args = args[1:]
	}

	switch action {
	case "increment-value-block", "decrement-value-block":
		if len(args) < 1 {
			return fmt.Errorf("%s needs a value argument", action)
		}
		value, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid value %q", args[0])
		}
		req.Value = int32(value)
	case "write-block", "write-block-string", "write-sector",
		"write-sector-string", "write-sector-trailer":
		data, err := actionData(args)
		if err != nil {
			return err
		}
		req.Data = data
	}

	result, err := agent.Execute(factory, r.Name, req)
	if err != nil {
		return err
	}

	printResult(result)
	return nil
}

// resolveKey validates the load key, prompting without echo when the
// argument is "-".
func resolveKey(key string) (string, error) {
	if key == "-" {
		fmt.Fprint(os.Stderr, "Key: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		key = strings.TrimSpace(string(raw))
	}

	if decoded, err := hex.DecodeString(key); err != nil || len(decoded) != mifare.KeySize {
		return "", fmt.Errorf("key must be %d hex characters", mifare.KeySize*2)
	}
	return key, nil
}

// actionData takes write data from the argument, or from stdin when the
// argument is omitted.
func actionData(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read data from stdin: %w", err)
	}
	return strings.TrimRight(string(raw), "\r\n"), nil
}

func targetName(action string) string {
	if agent.BlockOps[action] {
		return "block"
	}
	return "sector"
}

func printResult(result *agent.Result) {
	switch {
	case result.Report != "":
		fmt.Println(result.Report)
	case result.Hex != "":
		fmt.Println(result.Hex)
	case result.Text != "":
		fmt.Println(result.Text)
	case result.HasValue:
		fmt.Println(result.Value)
	}
}

func dumpCard(factory reader.ContextFactory, readerName, keyType, key, path string) error {
	return agent.WithSession(factory, readerName, keyType, key, func(session *mifare.Session) error {
		img, err := dump.Read(session)
		if err != nil {
			return err
		}
		if err := dump.WriteFile(img, path); err != nil {
			return err
		}
		fmt.Printf("Dumped %s (UID %s) to %s\n", img.Name, img.UID, path)
		return nil
	})
}

func restoreCard(factory reader.ContextFactory, readerName, keyType, key, path string) error {
	img, err := dump.ReadFile(path)
	if err != nil {
		return err
	}
	return agent.WithSession(factory, readerName, keyType, key, func(session *mifare.Session) error {
		if err := dump.Restore(session, img); err != nil {
			return err
		}
		fmt.Printf("Restored %s image from %s\n", img.Name, path)
		return nil
	})
}

func serve(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.Init(1000, logging.LevelDebug)
	logging.Info(logging.CatSystem, "MCRW Agent starting", map[string]any{
		"version": api.Version,
	})

	if _, err := settings.Load(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}

	if logging.InitSentry(api.Version, settings.IsCrashReportingEnabled()) {
		defer logging.FlushSentry(2 * time.Second)
	}

	mux := api.NewMux()
	mux.HandleFunc("/v1/ws", api.InitWebSocket())

	addr := cfg.Address()
	server := &http.Server{Addr: addr, Handler: mux}

	shutdown := make(chan struct{})
	var shutdownOnce sync.Once
	api.SetShutdownHandler(func() {
		shutdownOnce.Do(func() { close(shutdown) })
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
		case <-shutdown:
		}
		log.Println("Shutting down...")
		logging.Info(logging.CatSystem, "Server stopping", nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("mcrw-agent %s listening on http://%s\n", api.Version, addr)
	log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
	logging.Info(logging.CatSystem, "Server started", map[string]any{
		"address": addr,
	})

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
