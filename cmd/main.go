package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"montana-presence/apiclient"
	"montana-presence/db"
	"montana-presence/engine"
	"montana-presence/epoch"
	"montana-presence/handlers"
	"montana-presence/logger"
	"montana-presence/models"
	"montana-presence/probe"
	"montana-presence/registry"
	"montana-presence/repository"
	"montana-presence/routers"
	"montana-presence/weight"
)

func main() {
	// Load config
	viper.SetConfigFile("config/config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")

	if err := logger.InitLogger(appLogFile, logLevel); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting Montana presence agent...")

	// Connect to LevelDB
	leveldbPath := viper.GetString("leveldb.path")
	ldb, err := db.NewLevelDB(leveldbPath)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Persistence layer for pending/confirmed amounts
	repo := repository.NewAccrualRepository(ldb)

	// Backend node chain, priority order from config
	var epConfig []struct {
		Name string `mapstructure:"name"`
		URL  string `mapstructure:"url"`
	}
	if err := viper.UnmarshalKey("network.endpoints", &epConfig); err != nil {
		logger.Logger.Fatal("Invalid endpoint config", zap.Error(err))
	}
	endpoints := make([]registry.Endpoint, 0, len(epConfig))
	for _, ep := range epConfig {
		endpoints = append(endpoints, registry.Endpoint{Name: ep.Name, URL: ep.URL})
	}
	reg := registry.New(endpoints)
	client := apiclient.New(reg, time.Duration(viper.GetInt("network.request_timeout_sec"))*time.Second)

	// Epoch clock from protocol genesis
	genesis := epoch.DefaultGenesis
	if raw := viper.GetString("protocol.genesis"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			logger.Logger.Fatal("Invalid protocol.genesis", zap.Error(err))
		}
		genesis = parsed
	}
	clock := epoch.NewClock(genesis, viper.GetInt64("protocol.window_sec"))

	// Liveness signals and probes
	var sigConfig []struct {
		ID      string `mapstructure:"id"`
		Name    string `mapstructure:"name"`
		Rate    int    `mapstructure:"rate"`
		Enabled bool   `mapstructure:"enabled"`
	}
	if err := viper.UnmarshalKey("signals", &sigConfig); err != nil {
		logger.Logger.Fatal("Invalid signal config", zap.Error(err))
	}
	signals := make([]models.Signal, 0, len(sigConfig))
	for _, s := range sigConfig {
		signals = append(signals, models.Signal{
			ID: s.ID, Name: s.Name, Rate: s.Rate, Enabled: s.Enabled,
		})
	}
	signalSet := weight.NewSignalSet(signals)
	perm := probe.NewStatic(map[string]bool{"screen": true})
	tunnel := probe.InterfaceTunnel{}

	// Accrual engine
	eng := engine.New(engine.Config{
		Address:        viper.GetString("account.address"),
		TickInterval:   time.Duration(viper.GetInt("engine.tick_interval_sec")) * time.Second,
		FlushInterval:  time.Duration(viper.GetInt("engine.flush_interval_sec")) * time.Second,
		PermissionPoll: time.Duration(viper.GetInt("engine.permission_poll_sec")) * time.Second,
		PersistEvery:   viper.GetInt("engine.persist_every"),
	}, repo, client, clock, signalSet, perm, tunnel)

	// Speculative start: a missing address is "not ready", not a fault
	if err := eng.Start(); err != nil {
		logger.Logger.Info("Engine not started yet", zap.Error(err))
	}

	// HTTP surface for the UI
	h := handlers.NewHandler(eng, client)
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	// Graceful shutdown: stop accrual (forces a final flush) before exiting
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	eng.Stop()
	eng.Close()
	srv.Close()
}
