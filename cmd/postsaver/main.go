package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"autohunter/internal/config"
	"autohunter/internal/ingest/remote"
	"autohunter/internal/pkg/logger"
)

// main 把本地 JSON 数组中的帖子推送到远端 API。
//
// 用法:
//
//	postsaver -file posts.json -api http://localhost:8080
//
// 密码从 POSTSAVER_PASSWORD 读取，避免出现在进程参数中。
func main() {
	var (
		file    = flag.String("file", "", "path to a JSON array of post records")
		apiURL  = flag.String("api", "http://localhost:8080", "base URL of the ingest API")
		user    = flag.String("user", "", "service account (defaults to security.service_user)")
		cfgPath = flag.String("config", "", "config file path")
	)
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "postsaver: -file is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLogger := logger.NewDefault(cfg.App.LogLevel)

	username := *user
	if username == "" {
		username = cfg.Security.ServiceUser
	}
	password := os.Getenv("POSTSAVER_PASSWORD")
	if password == "" {
		appLogger.Error("POSTSAVER_PASSWORD is not set")
		os.Exit(2)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		appLogger.Error("read input failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		appLogger.Error("input is not a JSON array", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := remote.NewClient(*apiURL, username, password, &http.Client{Timeout: cfg.App.HTTPTimeout}, appLogger)
	summary, err := client.Run(ctx, records)
	if err != nil {
		appLogger.Error("post saver stopped", slog.String("error", err.Error()), slog.String("summary", summary.String()))
		os.Exit(1)
	}
	appLogger.Info("post saver finished", slog.String("summary", summary.String()))
}
