package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"judgeline/internal/cli/command"
	"judgeline/internal/cli/config"
	httpclient "judgeline/internal/cli/http"
	"judgeline/internal/cli/repl"
	"judgeline/internal/cli/state"
	"judgeline/internal/common/mq"
)

const defaultConfigPath = "configs/judgectl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	token := flag.String("token", "", "Override access token")
	statePath := flag.String("state", "", "Override token state path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.TokenStatePath = *statePath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	tokenState, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load token state failed: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		tokenState = state.TokenState{AccessToken: *token}
	}

	lines, err := repl.NewReadline(cfg.HistoryFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init terminal failed: %v\n", err)
		os.Exit(1)
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return tokenState.AccessToken
	})

	session := repl.New(repl.Options{
		Lines:      lines,
		Out:        lines.Stdout(),
		Client:     client,
		Commands:   command.Registry(),
		TokenState: &tokenState,
		Config:     cfg,
		Producer: func() (mq.Producer, error) {
			if len(cfg.Kafka.Brokers) == 0 {
				return nil, fmt.Errorf("kafka.brokers is not configured")
			}
			queue, err := mq.NewKafkaQueue(cfg.Kafka)
			if err != nil {
				return nil, err
			}
			return queue, nil
		},
	})
	defer func() {
		_ = session.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := session.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}
