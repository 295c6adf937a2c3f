package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"potsplit.ai/internal/oracle"
	"potsplit.ai/internal/persistence/indexdb"
	persistlog "potsplit.ai/internal/persistence/log"
	"potsplit.ai/internal/persistence/snapshot"
	"potsplit.ai/internal/protocol"
	"potsplit.ai/internal/sim/archetypes"
	"potsplit.ai/internal/sim/population"
	"potsplit.ai/internal/sim/tuning"
	"potsplit.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		seed       = flag.Int64("seed", 0, "tie-break rng seed (0 = time-based)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		autostart  = flag.Bool("autostart", true, "start the simulation immediately")

		oracleURL   = flag.String("oracle_url", "", "oracle endpoint (or set POTSPLIT_ORACLE_URL)")
		oracleModel = flag.String("oracle_model", "", "oracle model name (or set POTSPLIT_ORACLE_MODEL)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	catalog, err := archetypes.Load(filepath.Join(*configDir, "archetypes.yaml"))
	if err != nil {
		logger.Fatalf("load archetypes: %v", err)
	}

	client := buildOracle(*oracleURL, *oracleModel, tune, logger)

	_ = os.MkdirAll(*dataDir, 0o755)

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}

	eventLog := persistlog.NewEventLogger(*dataDir)
	defer eventLog.Close()
	fallback := persistlog.NewFallbackLogger(*dataDir)
	defer fallback.Close()

	obs := observer.NewServer(log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))

	mgr, err := population.NewManager(population.Config{
		Tune:      tune,
		Catalog:   catalog,
		Client:    client,
		Sink:      protocol.MultiSink{obs, eventLog},
		Log:       log.New(os.Stdout, "[sim] ", log.LstdFlags|log.Lmicroseconds),
		Seed:      *seed,
		SessionID: time.Now().UTC().Format("20060102-150405"),
		Store:     snapshot.FileStore{DataDir: *dataDir, ExportJSON: true},
		Fallback:  fallback,
		Index:     idx,
	})
	if err != nil {
		logger.Fatalf("population manager: %v", err)
	}

	obs.Bootstrap = func() any {
		return map[string]any{
			"protocol_version": "1.0",
			"game_number":      mgr.GameNumber(),
			"roster":           mgr.Roster(),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctl := &controller{mgr: mgr, ctx: ctx, log: logger, token: os.Getenv("POTSPLIT_CONTROL_TOKEN")}
	if *autostart {
		ctl.start()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/observe", obs.WSHandler())
	mux.HandleFunc("/v1/control", ctl.handler())
	mux.HandleFunc("/v1/roster", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(mgr.Roster())
	})
	if idx != nil {
		mux.HandleFunc("/v1/history", func(rw http.ResponseWriter, r *http.Request) {
			games, err := idx.RecentGames(50)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(games)
		})
	}

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Printf("shutting down")

	mgr.Stop()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	ctl.wait()
}

func buildOracle(url, model string, tune tuning.Tuning, logger *log.Logger) oracle.Client {
	if url == "" {
		url = os.Getenv("POTSPLIT_ORACLE_URL")
	}
	if model == "" {
		model = os.Getenv("POTSPLIT_ORACLE_MODEL")
	}
	if url == "" {
		logger.Fatalf("no oracle endpoint configured (set -oracle_url or POTSPLIT_ORACLE_URL)")
	}
	return oracle.NewHTTPClient(url, os.Getenv("POTSPLIT_ORACLE_API_KEY"), model,
		time.Duration(tune.Oracle.TimeoutSec)*time.Second)
}

// controller serializes start/stop requests onto the single
// simulation loop.
type controller struct {
	mgr   *population.Manager
	ctx   context.Context
	log   *log.Logger
	token string

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func (c *controller) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		if err := c.mgr.Run(c.ctx); err != nil && err != context.Canceled {
			c.log.Printf("simulation stopped: %v", err)
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
}

func (c *controller) wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	}
}

func (c *controller) handler() http.HandlerFunc {
	type controlReq struct {
		Action string `json:"action"`
		Token  string `json:"token"`
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req controlReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		if c.token != "" && req.Token != c.token {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		switch req.Action {
		case "start":
			c.start()
		case "stop":
			c.mgr.Stop()
		default:
			http.Error(rw, "unknown action", http.StatusBadRequest)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "action": req.Action})
	}
}
