package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Browser BrowserConfig `json:"browser"`
	Email   EmailConfig   `json:"email"`
	Batch   BatchConfig   `json:"batch"`
	Retry   RetryConfig   `json:"retry"`
	Scrape  ScrapeConfig  `json:"scrape"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string  `json:"env"`              // 运行环境: local / prod
	LogLevel       string  `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string  `json:"http_addr"`        // 运维 API 监听地址
	MetricsAddr    string  `json:"metrics_addr"`     // Prometheus 指标监听地址
	WorkerPoolSize int     `json:"worker_pool_size"` // 告警 worker 池大小
	QueueCapacity  int     `json:"queue_capacity"`   // 告警队列容量
	RateLimit      float64 `json:"rate_limit"`       // 供应商接口限流速率（token/s）
	RateBurst      float64 `json:"rate_burst"`       // 限流桶容量
	DedupWindow    int     `json:"dedup_window"`     // 号码去重窗口（秒）
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

// BrowserConfig 抓取浏览器配置。
type BrowserConfig struct {
	BinPath  string `json:"bin_path"`  // 浏览器可执行文件路径
	ProxyURL string `json:"proxy_url"` // 代理服务器 URL
	Headless bool   `json:"headless"`  // 是否使用无头模式
}

// EmailConfig 告警邮件配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 告警接收邮箱
}

// BatchConfig 批次控制配置。
type BatchConfig struct {
	MaxBatchSize     int           `json:"max_batch_size"`    // 批次上限（不能超过 5）
	MinBatchSize     int           `json:"min_batch_size"`    // 自适应收缩下限
	MinDelay         time.Duration `json:"min_delay"`         // 批间延迟下界（如 "2s"）
	MaxDelay         time.Duration `json:"max_delay"`         // 批间延迟上界（如 "5s"）
	SuccessThreshold float64       `json:"success_threshold"` // 批次成功率阈值
	DisableBotCheck  bool          `json:"disable_bot_check"` // 关闭批前封锁检查
}

// RetryConfig 重试队列配置。
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"` // 最大重试次数
	BaseDelay  time.Duration `json:"base_delay"`  // 退避基础延迟（如 "1s"）
}

// ScrapeConfig 抓取目标配置。
type ScrapeConfig struct {
	SearchBaseURL string `json:"search_base_url"` // 地图搜索入口
	LookupBaseURL string `json:"lookup_base_url"` // 供应商查询入口
	MaxListings   int    `json:"max_listings"`    // 单次 campaign 最大商家数
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
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
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		// 即使没有配置文件，也允许环境变量覆盖默认值
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

	// 应用默认值（对于未设置的字段）
	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8081",
			MetricsAddr:    ":9100",
			WorkerPoolSize: 4,
			QueueCapacity:  64,
			RateLimit:      2,
			RateBurst:      5,
			DedupWindow:    86400,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/leadhunter?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Browser: BrowserConfig{
			BinPath:  "",
			ProxyURL: "",
			Headless: true,
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
			ToEmail:   "",
		},
		Batch: BatchConfig{
			MaxBatchSize:     5,
			MinBatchSize:     3,
			MinDelay:         2 * time.Second,
			MaxDelay:         5 * time.Second,
			SuccessThreshold: 0.5,
			DisableBotCheck:  false,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Scrape: ScrapeConfig{
			SearchBaseURL: "https://maps.example.com/search",
			LookupBaseURL: "https://portability.example.net/lookup",
			MaxListings:   200,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Batch.MaxBatchSize == 0 {
		cfg.Batch.MaxBatchSize = defaults.Batch.MaxBatchSize
	}
	if cfg.Batch.MinBatchSize == 0 {
		cfg.Batch.MinBatchSize = defaults.Batch.MinBatchSize
	}
	if cfg.Batch.MinDelay == 0 {
		cfg.Batch.MinDelay = defaults.Batch.MinDelay
	}
	if cfg.Batch.MaxDelay == 0 {
		cfg.Batch.MaxDelay = defaults.Batch.MaxDelay
	}
	if cfg.Batch.SuccessThreshold == 0 {
		cfg.Batch.SuccessThreshold = defaults.Batch.SuccessThreshold
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = defaults.Retry.MaxRetries
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if cfg.Scrape.SearchBaseURL == "" {
		cfg.Scrape.SearchBaseURL = defaults.Scrape.SearchBaseURL
	}
	if cfg.Scrape.LookupBaseURL == "" {
		cfg.Scrape.LookupBaseURL = defaults.Scrape.LookupBaseURL
	}
	if cfg.Scrape.MaxListings == 0 {
		cfg.Scrape.MaxListings = defaults.Scrape.MaxListings
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
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
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}

	if v := os.Getenv("BATCH_MAX_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxBatchSize = i
		}
	}
	if v := os.Getenv("BATCH_MIN_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MinBatchSize = i
		}
	}
	if v := os.Getenv("BATCH_MIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.MinDelay = d
		}
	}
	if v := os.Getenv("BATCH_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.MaxDelay = d
		}
	}
	if v := os.Getenv("BATCH_SUCCESS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Batch.SuccessThreshold = f
		}
	}
	if v := os.Getenv("BATCH_DISABLE_BOT_CHECK"); v != "" {
		cfg.Batch.DisableBotCheck = v == "true" || v == "1"
	}

	if v := os.Getenv("RETRY_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxRetries = i
		}
	}
	if v := os.Getenv("RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.BaseDelay = d
		}
	}

	if v := os.Getenv("SCRAPE_SEARCH_BASE_URL"); v != "" {
		cfg.Scrape.SearchBaseURL = v
	}
	if v := os.Getenv("SCRAPE_LOOKUP_BASE_URL"); v != "" {
		cfg.Scrape.LookupBaseURL = v
	}
	if v := os.Getenv("SCRAPE_MAX_LISTINGS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scrape.MaxListings = i
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
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

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Browser.ProxyURL = v
	} else if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
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
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
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
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "leadhunter",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "2s"）。
func (b *BatchConfig) UnmarshalJSON(data []byte) error {
	type Alias BatchConfig
	aux := &struct {
		MinDelay string `json:"min_delay"`
		MaxDelay string `json:"max_delay"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.MinDelay != "" {
		duration, err := time.ParseDuration(aux.MinDelay)
		if err != nil {
			return fmt.Errorf("invalid min_delay format: %w", err)
		}
		b.MinDelay = duration
	}
	if aux.MaxDelay != "" {
		duration, err := time.ParseDuration(aux.MaxDelay)
		if err != nil {
			return fmt.Errorf("invalid max_delay format: %w", err)
		}
		b.MaxDelay = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (b BatchConfig) MarshalJSON() ([]byte, error) {
	type Alias BatchConfig
	return json.Marshal(&struct {
		MinDelay string `json:"min_delay"`
		MaxDelay string `json:"max_delay"`
		*Alias
	}{
		MinDelay: b.MinDelay.String(),
		MaxDelay: b.MaxDelay.String(),
		Alias:    (*Alias)(&b),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (r *RetryConfig) UnmarshalJSON(data []byte) error {
	type Alias RetryConfig
	aux := &struct {
		BaseDelay string `json:"base_delay"`
		*Alias
	}{
		Alias: (*Alias)(r),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.BaseDelay != "" {
		duration, err := time.ParseDuration(aux.BaseDelay)
		if err != nil {
			return fmt.Errorf("invalid base_delay format: %w", err)
		}
		r.BaseDelay = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (r RetryConfig) MarshalJSON() ([]byte, error) {
	type Alias RetryConfig
	return json.Marshal(&struct {
		BaseDelay string `json:"base_delay"`
		*Alias
	}{
		BaseDelay: r.BaseDelay.String(),
		Alias:     (*Alias)(&r),
	})
}
