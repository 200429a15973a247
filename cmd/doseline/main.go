// Command doseline runs the medication-adherence backend: the HTTP API for
// patients, devices and third-party callers, plus the background sweeper
// that enforces the retrieval timeout.
//
// # Configuration
//
// An optional YAML file (-config) provides defaults; environment variables
// override it:
//
//	DOSELINE_HTTP_ADDR  - HTTP listen address (default: ":8080")
//	REDIS_URL           - Redis address for session storage (optional; in-memory when unset)
//	REDIS_PASSWORD      - Redis password (optional)
//	MONGO_URL           - MongoDB URI for the dose ledger (optional; in-memory when unset)
//	MONGO_DATABASE      - MongoDB database name (default: "doseline")
//	SWEEP_PERIOD        - Timeout sweeper cadence, at most 60s (default: "30s")
//	SESSION_TTL         - Session token lifetime (default: "24h")
//	DOSELINE_TZ         - Local day boundary for schedule queries (default: "UTC")
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/doseline/doseline/caregiver"
	"github.com/doseline/doseline/dose"
	doseinmem "github.com/doseline/doseline/dose/inmem"
	"github.com/doseline/doseline/events"
	dosemongo "github.com/doseline/doseline/features/dosestore/mongo"
	sessionredis "github.com/doseline/doseline/features/sessionstore/redis"
	"github.com/doseline/doseline/identity"
	"github.com/doseline/doseline/inventory"
	"github.com/doseline/doseline/medication"
	"github.com/doseline/doseline/query"
	"github.com/doseline/doseline/rest"
	"github.com/doseline/doseline/schedule"
	"github.com/doseline/doseline/sweeper"
	"github.com/doseline/doseline/symptom"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *addrF, *dbgF); err != nil {
		log.Fatalf(ctx, err, "doseline exited")
	}
}

func run(ctx context.Context, configPath, addrOverride string, dbg bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.HTTPAddr = addrOverride
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}
	clk := clock.RealClock{}

	// Stores. Doses go to Mongo and sessions to Redis when configured;
	// everything else is in-memory.
	var (
		doses    dose.Store
		sessions identity.Sessions
		pingers  []health.Pinger
	)
	meds := medication.NewMemStore(clk)
	inv := inventory.NewMemStore(clk)
	symptoms := symptom.NewMemStore()
	caregivers := caregiver.NewMemStore(clk)
	users := identity.NewMemUsers(clk)
	devices := identity.NewMemDevices(clk)
	keys := identity.NewMemAPIKeys(clk)
	eventLog := events.NewMemLog(clk)

	if cfg.MongoURL != "" {
		mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		mcli, err := mongodriver.Connect(mctx, mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return fmt.Errorf("connecting to mongo: %w", err)
		}
		defer func() {
			if err := mcli.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnecting mongo")
			}
		}()
		store, err := dosemongo.New(dosemongo.Options{Client: mcli, Database: cfg.MongoDB, Clock: clk})
		if err != nil {
			return fmt.Errorf("building mongo dose store: %w", err)
		}
		doses = store
		pingers = append(pingers, store)
		log.Printf(ctx, "dose ledger on mongo %q", cfg.MongoDB)
	} else {
		doses = doseinmem.New(clk)
		log.Printf(ctx, "dose ledger in memory")
	}

	if cfg.RedisURL != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPass})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "closing redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		store, err := sessionredis.New(rdb, cfg.SessionTTL)
		if err != nil {
			return fmt.Errorf("building redis session store: %w", err)
		}
		sessions = store
		pingers = append(pingers, store)
		log.Printf(ctx, "sessions on redis %q", cfg.RedisURL)
	} else {
		sessions = identity.NewMemSessions()
		log.Printf(ctx, "sessions in memory")
	}

	// Core engine.
	sched := schedule.New(meds, doses, clk, loc)
	correlator := events.NewCorrelator(doses, meds, inv, eventLog, caregivers, sched, clk)
	queries := query.New(doses, meds, inv, symptoms, sched, clk, loc)
	sweep := sweeper.New(doses, caregivers, clk, cfg.SweepPeriod)
	pingers = append(pingers, sweep)

	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sweep.Stop(sctx)
	}()

	svc := rest.New(rest.Config{
		Users: users, Sessions: sessions, Devices: devices, Keys: keys,
		Meds: meds, Doses: doses, Inventory: inv, Symptoms: symptoms,
		Caregivers: caregivers, Correlator: correlator, Queries: queries,
		Clock: clk, Pingers: pingers,
		AuthRate: rate.Limit(cfg.AuthRate), AuthBurst: cfg.AuthBurst,
	})

	// Channel shared by the signal handler and the HTTP server goroutine.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	handleHTTPServer(ctx, cfg.HTTPAddr, svc, &wg, errc, dbg)

	err = <-errc
	log.Printf(ctx, "exiting (%v)", err)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}
