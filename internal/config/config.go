package config

import (
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
	// BackgroundMaxConns 后台任务（maintenance/reconcile）专用子池大小，
	// 与请求池分开，避免后台任务饿死在线写入
	BackgroundMaxConns int
}

// Config unitymdm-data（telemetry core）配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  DatabaseConfig
	Redis     struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
	}
	Log struct {
		Level  string
		Format string
	}
	Ingest    IngestConfig
	Partition PartitionConfig
	Jobs      JobsConfig
	Archive   ArchiveConfig
}

// IngestConfig 心跳摄入配置
type IngestConfig struct {
	BucketWidth    time.Duration // 去重窗口宽度（默认 10s）
	MaxFutureSkew  time.Duration // observed_at 允许超前服务器时钟的上限（默认 24h）
	StatusCacheTTL time.Duration // Redis 状态缓存 TTL
}

// PartitionConfig 分区生命周期配置
type PartitionConfig struct {
	LookaheadDays    int // 预建未来分区天数（默认 14）
	ActiveWindowDays int // 活跃写入窗口，之外的分区才是归档候选（默认 2）
	RetentionDays    int // 完整保留窗口，之外的 archived 分区被 prune（默认 90）
}

// JobsConfig 后台任务调度配置
type JobsConfig struct {
	MaintenanceSchedule string        // cron 表达式，默认每天 02:30
	ReconcileSchedule   string        // cron 表达式，默认每小时
	RunTimeout          time.Duration // 单次运行硬超时
	ReconcileWindow     time.Duration // reconciliation 回看窗口（默认 24h）
}

// ArchiveConfig 归档导出配置
type ArchiveConfig struct {
	SinkURL string // 归档制品 HTTP sink 基址；为空时落本地目录
	Dir     string // 本地目录 sink 路径
}

// DSN 数据库连接串
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.Database +
		" sslmode=" + c.SSLMode
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "unitymdm")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "40"), 40)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "10"), 10)
	cfg.Database.BackgroundMaxConns = parseInt(getEnv("DB_BACKGROUND_MAX_CONNS", "4"), 4)

	cfg.Redis.Enabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Ingest.BucketWidth = parseSeconds(getEnv("INGEST_BUCKET_WIDTH_SECONDS", "10"), 10)
	cfg.Ingest.MaxFutureSkew = parseSeconds(getEnv("INGEST_MAX_FUTURE_SKEW_SECONDS", "86400"), 86400)
	cfg.Ingest.StatusCacheTTL = parseSeconds(getEnv("INGEST_STATUS_CACHE_TTL_SECONDS", "300"), 300)

	cfg.Partition.LookaheadDays = parseInt(getEnv("PARTITION_LOOKAHEAD_DAYS", "14"), 14)
	cfg.Partition.ActiveWindowDays = parseInt(getEnv("PARTITION_ACTIVE_WINDOW_DAYS", "2"), 2)
	cfg.Partition.RetentionDays = parseInt(getEnv("PARTITION_RETENTION_DAYS", "90"), 90)

	cfg.Jobs.MaintenanceSchedule = getEnv("MAINTENANCE_SCHEDULE", "30 2 * * *")
	cfg.Jobs.ReconcileSchedule = getEnv("RECONCILE_SCHEDULE", "0 * * * *")
	cfg.Jobs.RunTimeout = parseSeconds(getEnv("JOB_RUN_TIMEOUT_SECONDS", "1800"), 1800)
	cfg.Jobs.ReconcileWindow = parseSeconds(getEnv("RECONCILE_WINDOW_SECONDS", "86400"), 86400)

	cfg.Archive.SinkURL = getEnv("ARCHIVE_SINK_URL", "")
	cfg.Archive.Dir = getEnv("ARCHIVE_DIR", "/var/lib/unitymdm/archive")

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseSeconds(s string, def int) time.Duration {
	return time.Duration(parseInt(s, def)) * time.Second
}
