package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Tester   TesterConfig   `mapstructure:"tester"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Report   ReportConfig   `mapstructure:"report"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
	Targets  []string       `mapstructure:"targets"` // 批量模式默认测试的文件
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时不校验
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // mysql, sqlite
	Path     string `mapstructure:"path"` // sqlite 文件路径
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// TesterConfig 检测规则配置
type TesterConfig struct {
	MinStringLength    int      `mapstructure:"min_string_length"`
	ExampleCount       int      `mapstructure:"example_count"`
	InterestingStrings []string `mapstructure:"interesting_strings"`
	DebugIndicators    []string `mapstructure:"debug_indicators"`
	ExtractionDirName  string   `mapstructure:"extraction_dir_name"`
}

// ToolSpecConfig 单个外部工具的调用方式，args 中的 {file} 会替换为目标文件
type ToolSpecConfig struct {
	Command   string   `mapstructure:"command"`
	Args      []string `mapstructure:"args"`
	CheckArgs []string `mapstructure:"check_args"`
}

// ToolsConfig 外部工具配置
type ToolsConfig struct {
	Timeout      int            `mapstructure:"timeout"` // seconds, 0 表示不限制
	PyInstxtract ToolSpecConfig `mapstructure:"pyinstxtractor"`
	NM           ToolSpecConfig `mapstructure:"nm"`
	Uncompyle6   ToolSpecConfig `mapstructure:"uncompyle6"`
	Decompyle3   ToolSpecConfig `mapstructure:"decompyle3"`
}

type ReportConfig struct {
	Format  string `mapstructure:"format"` // text, json
	Color   bool   `mapstructure:"color"`
	Summary bool   `mapstructure:"summary"`
}

type WatcherConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Pattern string `mapstructure:"pattern"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr
}

// setDefaults 默认值与原始测试脚本中的常量保持一致
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.api_token", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/reports.db")
	v.SetDefault("database.port", 3306)

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "re_test_tasks")

	v.SetDefault("tester.min_string_length", 4)
	v.SetDefault("tester.example_count", 10)
	v.SetDefault("tester.interesting_strings", []string{"python", "import", "class", "def", "secret", "password"})
	v.SetDefault("tester.debug_indicators", []string{
		"IsDebuggerPresent",
		"CheckRemoteDebuggerPresent",
		"OutputDebugString",
		"debugger",
		"anti-debug",
	})
	v.SetDefault("tester.extraction_dir_name", "extracted_pyinstaller")

	v.SetDefault("tools.timeout", 0)
	v.SetDefault("tools.pyinstxtractor.command", "python")
	v.SetDefault("tools.pyinstxtractor.args", []string{"-m", "pyinstxtractor", "{file}"})
	v.SetDefault("tools.pyinstxtractor.check_args", []string{"-m", "pyinstxtractor", "--help"})
	v.SetDefault("tools.nm.command", "nm")
	v.SetDefault("tools.nm.args", []string{"{file}"})
	v.SetDefault("tools.nm.check_args", []string{"--version"})
	v.SetDefault("tools.uncompyle6.command", "python")
	v.SetDefault("tools.uncompyle6.args", []string{"-m", "uncompyle6", "{file}"})
	v.SetDefault("tools.uncompyle6.check_args", []string{"-m", "uncompyle6", "--version"})
	v.SetDefault("tools.decompyle3.command", "python")
	v.SetDefault("tools.decompyle3.args", []string{"-m", "decompyle3", "{file}"})
	v.SetDefault("tools.decompyle3.check_args", []string{"-m", "decompyle3", "--version"})

	v.SetDefault("report.format", "text")
	v.SetDefault("report.color", true)
	v.SetDefault("report.summary", false)

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.dir", "./inbox")
	v.SetDefault("watcher.pattern", "*")

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("targets", []string{
		"PyInstaller/dist/main.exe",
		"Nuitka/main.exe",
		"PyArmor/dist/main.py",
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（RETESTER_TOOLS_TIMEOUT 等）
	v.SetEnvPrefix("retester")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 与部署环境共用的变量名
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	return v
}

// Default 返回不读取配置文件时的默认配置
func Default() *Config {
	v := newViper()
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Load 加载配置文件，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
