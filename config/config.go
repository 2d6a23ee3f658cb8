package config

import (
	"github.com/flowgrid/flowgrid/analytics"
	"github.com/flowgrid/flowgrid/budget"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type MetricsType string

const METRICS_TYPE_OPENCENSUS MetricsType = "opencensus"
const METRICS_TYPE_NOOP MetricsType = "noop"

type Config struct {
	HttpPort             int
	StorageType          StorageType
	MetricsType          MetricsType
	RedisConfig          RedisStorageConfig
	BudgetLimits         budget.Limits
	Concurrency          int
	FlushIntervalSeconds int
	AnalyticsConfig      analytics.DataCollectorConfig
	LogLevel             string
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
	PoolSize  int
	Password  string
}
