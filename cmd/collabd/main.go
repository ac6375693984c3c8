package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/penwell/collab/collab"
)

const CollabdVersion = "0.1.0"

func main() {
	usage := `Collaborative document sync server.

Serves the realtime editing websocket for workspace documents. With no
database url an in-memory document store is used (development only).

Usage:
    collabd [--config=<config>] [--listen=<listen>]
        [--database_url=<database_url>] [--redis=<redis_addr>]
        [--verbose...]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --config=<config>              Config file (yaml).
    --listen=<listen>              Listen address, e.g. :8080.
    --database_url=<database_url>  Postgres dsn for the pages store.
    --redis=<redis_addr>           Redis address for the snapshot cache.
    -v --verbose                   Increase log level.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabdVersion)
	if err != nil {
		panic(err)
	}

	verboseCount, _ := opts.Int("--verbose")
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", verboseCount))
	flag.Parse()

	configPath, _ := opts.String("--config")
	config, err := collab.LoadConfig(configPath)
	if err != nil {
		glog.Errorf("config error = %s\n", err)
		os.Exit(1)
	}
	if listen, err := opts.String("--listen"); err == nil && listen != "" {
		config.Listen = listen
	}
	if databaseUrl, err := opts.String("--database_url"); err == nil && databaseUrl != "" {
		config.DatabaseUrl = databaseUrl
	}
	if redisAddr, err := opts.String("--redis"); err == nil && redisAddr != "" {
		config.RedisAddr = redisAddr
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store collab.DocumentStore
	if config.DatabaseUrl != "" {
		pgStore, err := collab.NewPgDocumentStore(cancelCtx, config.DatabaseUrl)
		if err != nil {
			glog.Errorf("store error = %s\n", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		glog.Infof("pages store at %s\n", config.DatabaseUrl)
	} else {
		store = collab.NewMemoryDocumentStore()
		glog.Infof("using in-memory document store\n")
	}

	if config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr: config.RedisAddr,
		})
		if err := client.Ping(cancelCtx).Err(); err != nil {
			glog.Errorf("redis error = %s\n", err)
			os.Exit(1)
		}
		defer client.Close()
		store = collab.NewCachedDocumentStoreWithDefaults(store, client)
		glog.Infof("snapshot cache at %s\n", config.RedisAddr)
	}

	sessions := collab.NewSessionRegistry([]byte(config.AuthSecret), config.Session)
	hub := collab.NewHub(cancelCtx, store, sessions, collab.PassthroughApplier(), config.Hub)
	defer hub.Close()

	upgrader := collab.Upgrader(config.Transport)
	router := mux.NewRouter()
	router.HandleFunc("/collab/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.V(1).Infof("[ws]upgrade error = %s\n", err)
			return
		}
		collab.NewConn(cancelCtx, hub, ws, config.Transport)
	})
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:    config.Listen,
		Handler: router,
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigs:
		case <-cancelCtx.Done():
		}
		server.Close()
		cancel()
	}()

	glog.Infof("collabd %s listening on %s\n", CollabdVersion, config.Listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("server error = %s\n", err)
		os.Exit(1)
	}
}
