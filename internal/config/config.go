package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
//
// 进程启动时构建一次，之后以只读方式显式传递给各组件。
type Config struct {
	App         AppConfig         `json:"app"`
	MySQL       MySQLConfig       `json:"mysql"`
	Redis       RedisConfig       `json:"redis"`
	Ingest      IngestConfig      `json:"ingest"`
	Dataset     DatasetConfig     `json:"dataset"`
	Scrape      ScrapeConfig      `json:"scrape"`
	Images      ImageConfig       `json:"images"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	AI          AIConfig          `json:"ai"`
	Jobs        JobsConfig        `json:"jobs"`
	Email       EmailConfig       `json:"email"`
	Security    SecurityConfig    `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env             string        `json:"env"`              // 运行环境: local / prod
	LogLevel        string        `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr        string        `json:"http_addr"`        // API 服务监听地址
	MetricsAddr     string        `json:"metrics_addr"`     // Worker 的 Prometheus 监听地址
	WorkerPoolSize  int           `json:"worker_pool_size"` // 进程内 worker 数
	QueueCapacity   int           `json:"queue_capacity"`   // 进程内队列容量
	HTTPTimeout     time.Duration `json:"http_timeout"`     // 外部 HTTP 请求超时（如 "60s"）
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // 优雅关闭等待时间
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// IngestConfig 导入流水线公共配置。
type IngestConfig struct {
	RecencyMonths int    `json:"recency_months"` // 时效窗口（月）
	BatchSize     int    `json:"batch_size"`     // 每批并发处理的条目数
	UploadRoot    string `json:"upload_root"`    // 图片派生文件根目录
}

// DatasetConfig 社交媒体抓取数据集来源。
type DatasetConfig struct {
	SourceURL    string `json:"source_url"`    // 数据集下载地址（返回 JSON 数组）
	Token        string `json:"token"`         // 数据集访问凭证
	EnvelopePath string `json:"envelope_path"` // 触发请求中数组字段的路径，如 "dataset.items"
	SpoolDir     string `json:"spool_dir"`     // 触发请求体的临时落盘目录
}

// ScrapeConfig 拍卖站点目录抓取配置。
type ScrapeConfig struct {
	BaseURL   string  `json:"base_url"`   // 分页目录接口地址
	MinImages int     `json:"min_images"` // 图片数需大于该值
	RateLimit float64 `json:"rate_limit"` // 页面请求限流速率（token/s）
	RateBurst float64 `json:"rate_burst"` // 限流桶容量

	VendorID   int64  `json:"vendor_id"`   // 抓取条目缺少卖家信息时归属的账号
	VendorName string `json:"vendor_name"` // 上述账号的用户名
}

// ImageConfig 图片派生参数，三种派生各自独立的尺寸与质量。
type ImageConfig struct {
	Backend         string  `json:"backend"` // fs / minio
	StandardSize    int     `json:"standard_size"`
	StandardQuality int     `json:"standard_quality"`
	ThumbSize       int     `json:"thumb_size"`
	ThumbQuality    int     `json:"thumb_quality"`
	MetaSize        int     `json:"meta_size"`
	MetaQuality     int     `json:"meta_quality"`
	FetchRate       float64 `json:"fetch_rate"`  // 源图下载速率（次/s）
	FetchBurst      int     `json:"fetch_burst"` // 源图下载突发
	MaxBytes        int64   `json:"max_bytes"`   // 单张源图大小上限
}

// ObjectStoreConfig MinIO / S3 兼容对象存储。
type ObjectStoreConfig struct {
	Endpoint      string `json:"endpoint"`
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
	Bucket        string `json:"bucket"`
	UseSSL        bool   `json:"use_ssl"`
	PublicBaseURL string `json:"public_base_url"`
}

// AIConfig 文本抽取服务配置（OpenAI 兼容接口）。
type AIConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

// JobsConfig Redis Streams 任务队列配置。
type JobsConfig struct {
	Stream          string        `json:"stream"`           // Stream 名称
	Group           string        `json:"group"`            // Consumer Group 名称
	ConsumerID      string        `json:"consumer_id"`      // 为空时自动生成
	BlockTime       time.Duration `json:"block_time"`       // XREADGROUP 阻塞时间
	PendingIdle     time.Duration `json:"pending_idle"`     // XAUTOCLAIM 最小空闲时间
	PromoteInterval time.Duration `json:"promote_interval"` // 延迟重试扫描间隔
	VisitorWindow   time.Duration `json:"visitor_window"`   // 访客去重窗口

	// Policies 按任务类型覆盖重试与保留策略，未设置的字段沿用内置默认值。
	Policies map[string]JobPolicyConfig `json:"policies"`
}

// JobPolicyConfig 单个任务类型的重试与保留策略。
type JobPolicyConfig struct {
	MaxAttempts   int           `json:"max_attempts"`   // 最大尝试次数（含首次）
	Backoff       time.Duration `json:"backoff"`        // 指数退避基数（如 "30s"）
	KeepCompleted int64         `json:"keep_completed"` // 保留的已完成任务条数
	KeepFailed    int64         `json:"keep_failed"`    // 保留的失败任务条数
}

// EmailConfig 邮件告警配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	AlertTo   string `json:"alert_to"` // 死信告警收件人，逗号分隔
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret           string `json:"jwt_secret"`            // JWT 签名密钥
	ServiceUser         string `json:"service_user"`          // 远程推送工具使用的服务账号
	ServicePasswordHash string `json:"service_password_hash"` // 服务账号密码的 bcrypt 哈希
	TokenTTLMinutes     int    `json:"token_ttl_minutes"`
}

// Load 从 JSON 文件加载配置。
//
// 它会先尝试加载 .env，再读取 configs/config.json，如果不存在则使用默认值。
// 环境变量始终优先。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8081",
			MetricsAddr:     ":2112",
			WorkerPoolSize:  4,
			QueueCapacity:   100,
			HTTPTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/autohunter?parseTime=true&loc=UTC&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Ingest: IngestConfig{
			RecencyMonths: 3,
			BatchSize:     10,
			UploadRoot:    "./uploads",
		},
		Dataset: DatasetConfig{
			EnvelopePath: "dataset.items",
			SpoolDir:     os.TempDir(),
		},
		Scrape: ScrapeConfig{
			MinImages:  5,
			RateLimit:  1,
			RateBurst:  2,
			VendorID:   1,
			VendorName: "auction-import",
		},
		Images: ImageConfig{
			Backend:         "fs",
			StandardSize:    1600,
			StandardQuality: 82,
			ThumbSize:       640,
			ThumbQuality:    72,
			MetaSize:        200,
			MetaQuality:     60,
			FetchRate:       5,
			FetchBurst:      5,
			MaxBytes:        25 << 20,
		},
		AI: AIConfig{
			Model: "gpt-4o-mini",
		},
		Jobs: JobsConfig{
			Stream:          "autohunter:jobs",
			Group:           "ingest_workers",
			BlockTime:       time.Second,
			PendingIdle:     5 * time.Minute,
			PromoteInterval: time.Second,
			VisitorWindow:   24 * time.Hour,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret:       "dev_secret_change_me",
			ServiceUser:     "importer",
			TokenTTLMinutes: 60,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	d := getDefaultConfig()

	setString(&cfg.App.Env, d.App.Env)
	setString(&cfg.App.LogLevel, d.App.LogLevel)
	setString(&cfg.App.HTTPAddr, d.App.HTTPAddr)
	setString(&cfg.App.MetricsAddr, d.App.MetricsAddr)
	setInt(&cfg.App.WorkerPoolSize, d.App.WorkerPoolSize)
	setInt(&cfg.App.QueueCapacity, d.App.QueueCapacity)
	setDuration(&cfg.App.HTTPTimeout, d.App.HTTPTimeout)
	setDuration(&cfg.App.ShutdownTimeout, d.App.ShutdownTimeout)

	setString(&cfg.MySQL.DSN, d.MySQL.DSN)
	setString(&cfg.Redis.Addr, d.Redis.Addr)

	setInt(&cfg.Ingest.RecencyMonths, d.Ingest.RecencyMonths)
	setInt(&cfg.Ingest.BatchSize, d.Ingest.BatchSize)
	setString(&cfg.Ingest.UploadRoot, d.Ingest.UploadRoot)

	setString(&cfg.Dataset.EnvelopePath, d.Dataset.EnvelopePath)
	setString(&cfg.Dataset.SpoolDir, d.Dataset.SpoolDir)

	setInt(&cfg.Scrape.MinImages, d.Scrape.MinImages)
	if cfg.Scrape.RateLimit == 0 {
		cfg.Scrape.RateLimit = d.Scrape.RateLimit
	}
	if cfg.Scrape.RateBurst == 0 {
		cfg.Scrape.RateBurst = d.Scrape.RateBurst
	}
	if cfg.Scrape.VendorID == 0 {
		cfg.Scrape.VendorID = d.Scrape.VendorID
	}
	setString(&cfg.Scrape.VendorName, d.Scrape.VendorName)

	setString(&cfg.Images.Backend, d.Images.Backend)
	setInt(&cfg.Images.StandardSize, d.Images.StandardSize)
	setInt(&cfg.Images.StandardQuality, d.Images.StandardQuality)
	setInt(&cfg.Images.ThumbSize, d.Images.ThumbSize)
	setInt(&cfg.Images.ThumbQuality, d.Images.ThumbQuality)
	setInt(&cfg.Images.MetaSize, d.Images.MetaSize)
	setInt(&cfg.Images.MetaQuality, d.Images.MetaQuality)
	setInt(&cfg.Images.FetchBurst, d.Images.FetchBurst)
	if cfg.Images.FetchRate == 0 {
		cfg.Images.FetchRate = d.Images.FetchRate
	}
	if cfg.Images.MaxBytes == 0 {
		cfg.Images.MaxBytes = d.Images.MaxBytes
	}

	setString(&cfg.AI.Model, d.AI.Model)

	setString(&cfg.Jobs.Stream, d.Jobs.Stream)
	setString(&cfg.Jobs.Group, d.Jobs.Group)
	setDuration(&cfg.Jobs.BlockTime, d.Jobs.BlockTime)
	setDuration(&cfg.Jobs.PendingIdle, d.Jobs.PendingIdle)
	setDuration(&cfg.Jobs.PromoteInterval, d.Jobs.PromoteInterval)
	setDuration(&cfg.Jobs.VisitorWindow, d.Jobs.VisitorWindow)

	setInt(&cfg.Email.SMTPPort, d.Email.SMTPPort)

	setString(&cfg.Security.JWTSecret, d.Security.JWTSecret)
	setString(&cfg.Security.ServiceUser, d.Security.ServiceUser)
	setInt(&cfg.Security.TokenTTLMinutes, d.Security.TokenTTLMinutes)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("dataset_token", "DATASET_TOKEN")
	_ = viper.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("minio_secret_key", "MINIO_SECRET_KEY")
	_ = viper.BindEnv("service_password_hash", "SERVICE_PASSWORD_HASH")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}

	if v := os.Getenv("UPLOAD_ROOT"); v != "" {
		cfg.Ingest.UploadRoot = v
	}
	if v := os.Getenv("INGEST_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.BatchSize = i
		}
	}

	if v := os.Getenv("DATASET_SOURCE_URL"); v != "" {
		cfg.Dataset.SourceURL = v
	}
	if v := viper.GetString("dataset_token"); v != "" {
		cfg.Dataset.Token = v
	}
	if v := os.Getenv("SCRAPE_BASE_URL"); v != "" {
		cfg.Scrape.BaseURL = v
	}

	if v := os.Getenv("IMAGE_BACKEND"); v != "" {
		cfg.Images.Backend = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := viper.GetString("minio_secret_key"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}

	if v := os.Getenv("AI_ENABLED"); v != "" {
		cfg.AI.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := viper.GetString("openai_api_key"); v != "" {
		cfg.AI.APIKey = v
	}

	if v := os.Getenv("JOBS_STREAM"); v != "" {
		cfg.Jobs.Stream = v
	}
	if v := os.Getenv("JOBS_GROUP"); v != "" {
		cfg.Jobs.Group = v
	}
	if v := os.Getenv("JOBS_CONSUMER_ID"); v != "" {
		cfg.Jobs.ConsumerID = v
	}
	if v := os.Getenv("JOBS_PENDING_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Jobs.PendingIdle = d
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("SERVICE_USER"); v != "" {
		cfg.Security.ServiceUser = v
	}
	if v := viper.GetString("service_password_hash"); v != "" {
		cfg.Security.ServicePasswordHash = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			parsed.Addr = v + ":" + getenvDefault("DB_PORT", parsed.Addr, "3306")
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if i := strings.Index(host, ":"); i >= 0 {
				host = host[:i]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("ALERT_EMAIL_TO"); v != "" {
		cfg.Email.AlertTo = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if i := strings.LastIndex(fallbackAddr, ":"); i >= 0 && i < len(fallbackAddr)-1 {
		return fallbackAddr[i+1:]
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn != "" {
		if parsed, err := mysql.ParseDSN(dsn); err == nil {
			return parsed
		}
	}
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "autohunter"
	cfg.ParseTime = true
	return cfg
}

// UnmarshalJSON 支持 Duration 字符串（如 "60s"）。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		HTTPTimeout     string `json:"http_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if a.HTTPTimeout, err = parseDurationField("http_timeout", aux.HTTPTimeout, a.HTTPTimeout); err != nil {
		return err
	}
	if a.ShutdownTimeout, err = parseDurationField("shutdown_timeout", aux.ShutdownTimeout, a.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON 支持 Duration 字符串（如 "5m"）。
func (j *JobsConfig) UnmarshalJSON(data []byte) error {
	type Alias JobsConfig
	aux := &struct {
		BlockTime       string `json:"block_time"`
		PendingIdle     string `json:"pending_idle"`
		PromoteInterval string `json:"promote_interval"`
		VisitorWindow   string `json:"visitor_window"`
		*Alias
	}{
		Alias: (*Alias)(j),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if j.BlockTime, err = parseDurationField("block_time", aux.BlockTime, j.BlockTime); err != nil {
		return err
	}
	if j.PendingIdle, err = parseDurationField("pending_idle", aux.PendingIdle, j.PendingIdle); err != nil {
		return err
	}
	if j.PromoteInterval, err = parseDurationField("promote_interval", aux.PromoteInterval, j.PromoteInterval); err != nil {
		return err
	}
	if j.VisitorWindow, err = parseDurationField("visitor_window", aux.VisitorWindow, j.VisitorWindow); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON 支持 Duration 字符串（如 "30s"）。
func (p *JobPolicyConfig) UnmarshalJSON(data []byte) error {
	type Alias JobPolicyConfig
	aux := &struct {
		Backoff string `json:"backoff"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	p.Backoff, err = parseDurationField("backoff", aux.Backoff, p.Backoff)
	return err
}

func parseDurationField(name, raw string, current time.Duration) (time.Duration, error) {
	if raw == "" {
		return current, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", name, err)
	}
	return d, nil
}
