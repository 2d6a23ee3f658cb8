package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowgrid/flowgrid/analytics"
	"github.com/flowgrid/flowgrid/budget"
	"github.com/flowgrid/flowgrid/config"
	"github.com/flowgrid/flowgrid/cost"
	"github.com/flowgrid/flowgrid/engine"
	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/metadata"
	"github.com/flowgrid/flowgrid/metrics"
	"github.com/flowgrid/flowgrid/persistence"
	"github.com/flowgrid/flowgrid/persistence/redis"
	"github.com/flowgrid/flowgrid/pipeline"
	"github.com/flowgrid/flowgrid/registry"
	"github.com/flowgrid/flowgrid/rest"
	"github.com/flowgrid/flowgrid/service"
	"github.com/flowgrid/flowgrid/util"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "flowgrid", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "memory", "implementation of underline storage")
	cmd.Flags().String("metrics-impl", "opencensus", "implementation of the metrics collector")
	cmd.Flags().Int("concurrency", 8, "maximum concurrent step invocations per engine")
	cmd.Flags().Int("flush-interval", 5, "write behind flush interval in seconds")
	cmd.Flags().Bool("enforce-limits", true, "deny invocations that would exceed budget limits")
	cmd.Flags().Int("daily-token-limit", 0, "per user daily token limit, 0 disables")
	cmd.Flags().Int("session-token-limit", 0, "per session token limit, 0 disables")
	cmd.Flags().Float64("daily-cost-limit", 0, "per user daily cost limit in USD, 0 disables")
	cmd.Flags().String("analytics-file", "", "step analytics log file, empty disables")
	cmd.Flags().String("log-level", "info", "log level")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.MetricsType = config.MetricsType(viper.GetString("metrics-impl"))
	c.cfg.Concurrency = viper.GetInt("concurrency")
	c.cfg.FlushIntervalSeconds = viper.GetInt("flush-interval")
	c.cfg.BudgetLimits = budget.Limits{
		EnforceLimits:     viper.GetBool("enforce-limits"),
		DailyTokenLimit:   viper.GetInt("daily-token-limit"),
		SessionTokenLimit: viper.GetInt("session-token-limit"),
		DailyCostLimitUSD: viper.GetFloat64("daily-cost-limit"),
	}
	analyticsFile := viper.GetString("analytics-file")
	c.cfg.AnalyticsConfig = analytics.DataCollectorConfig{
		FileName:      analyticsFile,
		CollectorType: analytics.NOOP_DATA_COLLECTOR,
	}
	if analyticsFile != "" {
		c.cfg.AnalyticsConfig.CollectorType = analytics.LOG_FILE_DATA_COLLECTOR
	}
	c.cfg.LogLevel = viper.GetString("log-level")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	if err := logger.Configure(c.cfg.LogLevel); err != nil {
		return err
	}
	if err := analytics.InitDataCollector(c.cfg.AnalyticsConfig); err != nil {
		return err
	}

	var collector metrics.Collector = metrics.NewNoopCollector()
	if c.cfg.MetricsType == config.METRICS_TYPE_OPENCENSUS {
		oc, err := metrics.NewOpenCensusCollector()
		if err != nil {
			return err
		}
		collector = oc
	}

	reg := registry.NewRegistry()
	registerBuiltinTransforms(reg)

	var metadataStorage metadata.Storage
	var executionDao persistence.ExecutionDao
	switch c.cfg.StorageType {
	case config.STORAGE_TYPE_REDIS:
		redisConfig := redis.Config{
			Addrs:     c.cfg.RedisConfig.Addrs,
			Namespace: c.cfg.RedisConfig.Namespace,
			PoolSize:  c.cfg.RedisConfig.PoolSize,
			Password:  c.cfg.RedisConfig.Password,
		}
		metadataStorage = redis.NewRedisMetadataStorage(redisConfig)
		executionDao = redis.NewRedisExecutionDao(redisConfig)
	default:
		metadataStorage = metadata.NewInMemoryStorage()
		executionDao = persistence.NewInMemoryExecutionDao()
	}

	ledger := budget.NewLedger(c.cfg.BudgetLimits)
	counter := cost.NewTokenCounter()
	estimator := cost.NewEstimator()

	p := pipeline.New(
		pipeline.NewContextSetupInterceptor(),
		pipeline.NewObservabilityInterceptor(collector),
		pipeline.NewErrorNormalizationInterceptor(),
		pipeline.NewRoutingInterceptor(nil),
		pipeline.NewValidationInterceptor(),
		pipeline.NewBudgetInterceptor(ledger, counter, estimator),
		pipeline.NewExecutionInterceptor(),
	)

	eng := engine.NewEngine(p, util.NewRealClock(), collector, c.cfg.Concurrency)
	metadataService := metadata.NewService(metadataStorage, reg)
	executorService := service.NewWorkflowExecutionService(metadataService, eng, executionDao,
		time.Duration(c.cfg.FlushIntervalSeconds)*time.Second)

	server, err := rest.NewServer(c.cfg.HttpPort, metadataService, executorService)
	if err != nil {
		return err
	}
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("http server stopped")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	executorService.Stop()
	analytics.Stop()
	return server.Stop()
}

func registerBuiltinTransforms(reg *registry.Registry) {
	reg.RegisterTransform("identity", func(ctx context.Context, input any) (any, error) {
		return input, nil
	})
	reg.RegisterTransform("merge", func(ctx context.Context, input any) (any, error) {
		parts, ok := input.([]any)
		if !ok {
			return nil, fmt.Errorf("merge expects a list of objects")
		}
		merged := make(map[string]any)
		for _, part := range parts {
			obj, ok := part.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("merge expects a list of objects")
			}
			for k, v := range obj {
				merged[k] = v
			}
		}
		return merged, nil
	})
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "flowgrid",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
