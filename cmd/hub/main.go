package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	processhub "github.com/peaceful-james/process-hub"
	"github.com/peaceful-james/process-hub/internal/memberlist"
	"github.com/peaceful-james/process-hub/internal/metrics"
	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/internal/specstore"
	"github.com/peaceful-james/process-hub/internal/specwatcher"
	"github.com/peaceful-james/process-hub/pkg/worker"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL"`

	DatabaseHost     string `envconfig:"DATABASE_HOST"`
	DatabaseUser     string `envconfig:"DATABASE_USER"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT"`

	QueueAddr  string `envconfig:"QUEUE_ADDR"`
	QueueTopic string `envconfig:"QUEUE_SPEC_UPDATES_TOPIC"`

	InitialNodeSyncTimeout time.Duration `envconfig:"INITIAL_NODE_SYNC_TIMEOUT"`
	NodeAddrsMask          string        `envconfig:"NODE_ADDR_MASK"`
	NodesCount             int           `envconfig:"HUB_TOTAL_NODES"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`

	LeaveTimeout time.Duration `envconfig:"LEAVE_TIMEOUT"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	hubCfg := processhub.Config{}
	err = envconfig.Init(&hubCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read hub config")
	}
	err = envconfig.Init(&hubCfg.Sync)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read sync config")
	}
	err = envconfig.Init(&hubCfg.Migration)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read migration config")
	}

	var seedNodes []string
	for nodeOrderedID := range appCfg.NodesCount {
		seedNodes = append(seedNodes, fmt.Sprintf(appCfg.NodeAddrsMask, nodeOrderedID))
	}
	memberListCfg := memberlist.Config{
		SeedNodes: seedNodes,
	}
	err = envconfig.Init(&memberListCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read memberlist config")
	}

	log.Warn().Msgf("running hub %s node %s", hubCfg.Hub, memberListCfg.NodeName)

	var m metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		m = metrics.NewStatsd(memberListCfg.NodeName, "processhub.", appCfg.StatsdAddr)
	}

	specsRepo, err := specstore.NewRepo(
		ctx,
		appCfg.DatabaseUser,
		appCfg.DatabasePassword,
		appCfg.DatabaseHost,
		appCfg.DatabasePort,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init spec catalog repository")
	}

	hub, err := processhub.New(ctx, hubCfg, memberListCfg, echoFactory, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start hub")
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(appCfg.InitialNodeSyncTimeout):
		err := hub.Join(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to join hub cluster")
		}
		log.Info().Msg("successfully joined hub cluster")
	}

	specs, err := specsRepo.GetChildSpecs(ctx, hubCfg.Hub)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load spec catalog")
	}
	results, err := hub.StartChildren(ctx, specs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start catalogued children")
	}
	for _, result := range results {
		if !result.OK() {
			log.Error().Msgf("cold start of %s failed: %s", result.Child, result.Err)
		}
	}

	w := specwatcher.NewSpecUpdateWatcher(
		ctx,
		hubCfg.Hub,
		memberListCfg.NodeName,
		appCfg.QueueAddr,
		appCfg.QueueTopic,
		&catalogController{hub: hub},
	)
	go func() {
		err := w.RunSpecWatcher(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("failed to consume spec updates")
		}
	}()

	serverClose := startProbeServer()
	defer serverClose()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	err = hub.Shutdown(shutdownCtx, appCfg.LeaveTimeout)
	if err != nil {
		log.Error().Err(err).Msg("hub shutdown finished with error")
	}
	_ = w.Close(shutdownCtx)
}

// echoFactory builds the default worker: it keeps handover state and logs
// application messages. Real deployments import processhub as a library and
// supply their own factory.
func echoFactory(spec models.ChildSpec) (worker.Worker, error) {
	return worker.NewBase(64, func(ctx context.Context, msg any) {
		log.Info().Msgf("child %s got message %v", spec.ID, msg)
	}), nil
}

// catalogController applies catalog changes streamed off the database. The
// rows themselves are already durable: cold start reads them back directly.
type catalogController struct {
	hub *processhub.Hub
}

func (c *catalogController) StartChildren(ctx context.Context, specs []models.ChildSpec) ([]models.StartResult, error) {
	return c.hub.StartChildren(ctx, specs)
}

func (c *catalogController) StopChildren(ctx context.Context, cids []models.ChildID) error {
	return c.hub.StopChildren(ctx, cids)
}

func startProbeServer() func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	srv := http.Server{
		Handler: mux,
		Addr:    "0.0.0.0:8080",
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
