package main

import (
	"flag"
	"fmt"
	"os"

	"tutorchat/internal/app"
)

func main() {
	configPath := flag.String("config", envOrDefault("TUTORCHAT_CONFIG", ""), "YAML config file")
	serverURL := flag.String("server", "", "websocket URL of the message server (e.g., ws://localhost:8080/ws)")
	apiURL := flag.String("api", "", "HTTP base URL for login, history and uploads (default derived from --server)")
	username := flag.String("user", "", "username for the login prompt")
	room := flag.String("room", "", "room to open after login")
	watch := flag.String("watch", "", "comma-separated rooms to watch for unread messages")
	logFile := flag.String("log-file", "", "write JSON logs to this file")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tutorchat", app.Version)
		return
	}

	cfg := app.DefaultClientConfig()
	if *configPath != "" {
		loaded, err := app.LoadConfigFile(cfg, *configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	}
	cfg = app.ApplyEnv(cfg, os.Getenv)

	// Flags given on the command line win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.ServerURL = *serverURL
		case "api":
			cfg.APIURL = *apiURL
		case "user":
			cfg.Username = *username
		case "room":
			cfg.Room = *room
		case "watch":
			cfg.Watch = app.ParseRoomList(*watch)
		case "log-file":
			cfg.LogFile = *logFile
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	logger, closeLog, err := app.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fail(err)
	}
	defer closeLog()

	if err := app.RunClient(cfg, logger); err != nil {
		closeLog()
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "tutorchat: %v\n", err)
	os.Exit(1)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
