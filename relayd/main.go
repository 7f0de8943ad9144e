package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/instbase/relay/relay"
)

const Version = "0.1.0"

func main() {
	usage := `Branch sync relay daemon.

Usage:
    relayd serve [--config=<config>] [--port=<port>]
    relayd mint-token --secret=<secret> --connection_id=<connection_id>
        [--record=<record>] [--inst=<inst>] [--user_id=<user_id>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    -c --config=<config>       Config file path (toml).
    -p --port=<port>           Listen port (overrides the config file).
    --secret=<secret>          Token signing secret.
    --connection_id=<connection_id>
    --record=<record>
    --inst=<inst>
    --user_id=<user_id>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	}
}

func serve(opts docopt.Opts) {
	var configPath string
	if configPathAny := opts["--config"]; configPathAny != nil {
		configPath = configPathAny.(string)
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	if port, err := opts.Int("--port"); err == nil && port != 0 {
		config.Port = port
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	registry := relay.NewConnectionRegistry()

	var durable relay.UpdateStore
	var sqliteStore *relay.SqliteUpdateStore
	if config.StorePath != "" {
		settings := relay.DefaultSqliteUpdateStoreSettings()
		if 0 < config.CompactMaxDeltaCount {
			settings.MaxDeltaCount = config.CompactMaxDeltaCount
		}
		if 0 < config.CompactMaxTotalByteCount {
			settings.MaxTotalByteCount = config.CompactMaxTotalByteCount
		}
		// the consolidated entry is the in-order delta sequence. A CRDT
		// specific merge can be swapped in here
		sqliteStore, err = relay.NewSqliteUpdateStore(config.StorePath, relay.ConcatCompactionStrategy("\n"), settings)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			os.Exit(1)
		}
		defer sqliteStore.Close()
		durable = sqliteStore
	}
	store := relay.NewTieredUpdateStore(durable)

	var policy relay.PolicyClient
	if config.PolicyApiUrl != "" {
		policy = relay.NewHttpPolicyClient(cancelCtx, config.PolicyApiUrl)
	} else {
		policy = relay.NewAllowAllPolicy()
	}
	gate := relay.NewAuthorizationGate(policy)

	var verifier relay.TokenVerifier
	if config.AuthApiUrl != "" {
		verifier = relay.NewHttpTokenVerifier(cancelCtx, config.AuthApiUrl)
	} else {
		verifier = relay.NewHmacTokenVerifier([]byte(config.TokenSecret))
	}

	var blob relay.BlobClient
	if config.BlobApiUrl != "" {
		blob = relay.NewHttpBlobClient(cancelCtx, config.BlobApiUrl)
	} else {
		blob = relay.NewMemoryBlobClient()
	}

	engineSettings := relay.DefaultSyncEngineSettings()
	if config.RateLimitEnabled {
		engineSettings.RateLimit = &relay.RateLimitSettings{
			Enabled:           true,
			MessagesPerSecond: config.RateLimitMessagesPerSecond,
			Burst:             config.RateLimitBurst,
		}
	}

	engine := relay.NewSyncEngine(cancelCtx, registry, store, gate, verifier, blob, engineSettings)
	defer engine.Close()

	wsServer := relay.NewWebsocketServerWithDefaults(cancelCtx, engine)
	defer wsServer.Close()

	mux := http.NewServeMux()
	mux.Handle("/", wsServer)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version":          Version,
			"connections":      registry.ConnectionCount(),
			"slow_disconnects": engine.SlowDisconnectCount(),
			"durable_tier":     config.StorePath != "",
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: mux,
	}

	fmt.Printf("relayd %s on *:%d\n", Version, config.Port)

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			glog.Errorf("listen error = %s\n", err)
		}
	}()

	select {
	case <-cancelCtx.Done():
	}

	httpServer.Shutdown(context.Background())
}

func mintToken(opts docopt.Opts) {
	secretAny := opts["--secret"]
	connectionIdAny := opts["--connection_id"]
	if secretAny == nil || connectionIdAny == nil {
		fmt.Fprintln(os.Stderr, "--secret and --connection_id are required")
		os.Exit(1)
	}

	connectionToken := &relay.ConnectionToken{
		ConnectionId: connectionIdAny.(string),
	}
	if recordAny := opts["--record"]; recordAny != nil {
		connectionToken.RecordName = recordAny.(string)
	}
	if instAny := opts["--inst"]; instAny != nil {
		connectionToken.Inst = instAny.(string)
	}
	if userIdAny := opts["--user_id"]; userIdAny != nil {
		connectionToken.UserId = userIdAny.(string)
	}

	token, err := relay.SignConnectionToken([]byte(secretAny.(string)), connectionToken, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
