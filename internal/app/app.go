package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"backbone/internal/app/bootstrap"
	"backbone/internal/app/server"
	"backbone/internal/config"
)

const defaultBackendPort = 5656

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(resolveLogLevel(os.Getenv("LOG_LEVEL")))

	portFlag := flag.Int("port", defaultBackendPort, "Port for API server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	port := resolvePort("BACKEND_PORT", "PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}
	defer runtime.Close()
	defer stop()

	return server.OpenRoutes(ctx, port, server.New(runtime.Dependencies).Routes())
}

func resolveLogLevel(raw string) log.Level {
	if strings.TrimSpace(raw) == "" {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		log.Warn("invalid LOG_LEVEL, using info", "value", raw)
		return log.InfoLevel
	}
	return level
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
