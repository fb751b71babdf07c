// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamforge/encodeworker/internal/logging"
	"github.com/streamforge/encodeworker/internal/orchestrator"
	"github.com/streamforge/encodeworker/internal/transport"
	"github.com/streamforge/encodeworker/internal/util"
)

var (
	addr     = flag.String("addr", ":8787", "listen address for the Host<->Worker endpoint")
	logLevel = flag.String("log-level", "info", "log level for every subsystem logger (debug, info, warn, error)")
	version  = flag.Bool("version", false, "Show version")
)

// workerVersion is set at build time via -ldflags "-X main.workerVersion=x.y.z"
var workerVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("encodeworker v%s\n", workerVersion)
		return
	}

	if err := logging.SetLevel(*logLevel); err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, *addr); err != nil {
		log.Fatalf("encodeworker: %v", err)
	}
}

// run hosts the Host<->Worker WebSocket endpoint until ctx is cancelled,
// then shuts the server down gracefully.
func run(ctx context.Context, listenAddr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	transport.RegisterWorker(mux, orchestrator.NewManager())

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	log.Printf("encodeworker listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
