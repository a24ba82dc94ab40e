package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"orbishost/internal/cli/config"
	httpclient "orbishost/internal/cli/http"
	"orbishost/internal/cli/repl"
)

const defaultConfigPath = "configs/plugctl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	token := flag.String("token", "", "Override bearer token")
	pretty := flag.Bool("pretty", false, "Pretty print JSON responses")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	var session *repl.Session
	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return session.Token()
	})
	session = repl.New(client, cfg.Token, cfg.PrettyJSON != nil && *cfg.PrettyJSON)
	session.Run(context.Background())
}
