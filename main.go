package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/spiegel/spiegel-srv/config"
	"github.com/codefionn/spiegel/spiegel-srv/logger"
	"github.com/codefionn/spiegel/spiegel-srv/proxy"
	"github.com/codefionn/spiegel/spiegel-srv/stats"
)

var version string

func main() {
	cfg, initialURL := parseFlagsAndConfig()
	runProxy(cfg, initialURL)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, initialURL string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	initialURLPtr := flag.String("initial-url", "", "Register a standalone session routed for this URL and print its credentials")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("spiegel version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting spiegel proxy")

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.Debug("Listen host: %s, base port: %d (%d attempts)", cfg.ListenHost, cfg.BasePort, cfg.PortAttempts)
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)

	return cfg, *initialURLPtr
}

// runProxy starts the proxy and blocks until a termination signal.
func runProxy(cfg *config.Config, initialURL string) {
	collector, err := stats.NewCollector(&cfg.Statistics)
	if err != nil {
		logger.Fatal("Failed to create statistics collector: %v", err)
	}

	server := proxy.NewServer(cfg, collector)
	port, err := server.Start()
	if err != nil {
		logger.Fatal("Proxy server error: %v", err)
	}
	logger.Info("Proxy ready on %s:%d", cfg.ListenHost, port)

	if initialURL != "" {
		release, err := server.ConfigureSession(1, initialURL, "", noopSession{})
		if err != nil {
			logger.Fatal("Failed to configure standalone session: %v", err)
		}
		defer release()
		if creds := server.CredentialsFor(1); creds != nil {
			fmt.Printf("proxy: 127.0.0.1:%d\nusername: %s\npassword: %s\n", port, creds.Username, creds.Password)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal %v, shutting down proxy...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}
	logger.Info("Proxy shutdown complete")
}

// noopSession satisfies the session interface for standalone runs, where
// there is no browser view to configure.
type noopSession struct{}

func (noopSession) SetProxy(rules, bypass string) error {
	logger.Debug("Standalone session would use proxy %s (bypass %s)", rules, bypass)
	return nil
}

func (noopSession) ClearProxy() error { return nil }

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
