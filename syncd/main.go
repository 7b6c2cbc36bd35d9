package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/collabsync/collab/collab/broker"
)

const Version = "0.1.0"

const DefaultPort = 8080

func main() {
	usage := fmt.Sprintf(
		`Collaborative editing sync server.

Serves one websocket endpoint at /ws. Sessions authenticate with an
HMAC-signed bearer token carrying editor_id and editor_name claims.

Usage:
    syncd serve --secret=<secret> [--port=<port>]
        [--pg_url=<pg_url>]
        [--redis_addr=<redis_addr>]
        [-v...]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --secret=<secret>          Shared JWT signing secret.
    --pg_url=<pg_url>          Postgres url for the content store.
                               In-memory store when omitted.
    --redis_addr=<redis_addr>  Redis address for cross-instance fanout.
    -p --port=<port>           Listen port [default: %d].
    -v                         Verbose logging. Repeat for more verbosity.`,
		DefaultPort,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if v, _ := opts.Int("-v"); v > 0 {
		initGlog(fmt.Sprintf("%d", v))
	} else {
		initGlog("0")
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initGlog(v string) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", v)
	flag.Parse()
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	secret, _ := opts.String("--secret")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store broker.ContentStore
	if pgUrlAny := opts["--pg_url"]; pgUrlAny != nil {
		pgStore, err := broker.NewPgStore(cancelCtx, pgUrlAny.(string))
		if err != nil {
			glog.Errorf("content store error = %s\n", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		glog.Infof("using postgres content store\n")
	} else {
		store = broker.NewMemoryStore()
		glog.Infof("using in-memory content store\n")
	}

	var fanout *broker.Fanout
	if redisAddrAny := opts["--redis_addr"]; redisAddrAny != nil {
		var err error
		fanout, err = broker.NewFanout(cancelCtx, redisAddrAny.(string))
		if err != nil {
			glog.Errorf("fanout error = %s\n", err)
			os.Exit(1)
		}
		defer fanout.Close()
		glog.Infof("fanout enabled\n")
	}

	b := broker.NewBroker(cancelCtx, store, fanout, broker.DefaultBrokerSettings())
	server := broker.NewServerWithDefaults(cancelCtx, b, []byte(secret))

	mux := http.NewServeMux()
	mux.Handle("/ws", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-cancelCtx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("syncd listening on :%d\n", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("listen error = %s\n", err)
		os.Exit(1)
	}
}
