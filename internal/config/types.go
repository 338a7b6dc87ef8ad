package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示缓存容量，支持纯字节整数或 "512MiB"、"10GB" 等写法。
type ByteSize int64

var byteUnits = []struct {
	suffix string
	factor int64
}{
	{"kib", 1 << 10},
	{"mib", 1 << 20},
	{"gib", 1 << 30},
	{"tib", 1 << 40},
	{"kb", 1000},
	{"mb", 1000 * 1000},
	{"gb", 1000 * 1000 * 1000},
	{"tb", 1000 * 1000 * 1000 * 1000},
	{"k", 1 << 10},
	{"m", 1 << 20},
	{"g", 1 << 30},
	{"t", 1 << 40},
	{"b", 1},
}

// ParseByteSize 解析容量字符串，单位大小写不敏感。
func ParseByteSize(raw string) (ByteSize, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, nil
	}
	if n, err := parseInt(value); err == nil {
		return ByteSize(n), nil
	}
	for _, unit := range byteUnits {
		if !strings.HasSuffix(value, unit.suffix) {
			continue
		}
		number := strings.TrimSpace(strings.TrimSuffix(value, unit.suffix))
		f, err := strconv.ParseFloat(number, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size: %s", raw)
		}
		return ByteSize(f * float64(unit.factor)), nil
	}
	return 0, fmt.Errorf("invalid byte size: %s", raw)
}

// UnmarshalText 使 Viper 可以识别字节数或带单位的容量。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Bytes 返回 int64 字节数。
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Origin 共享同一份缓存与参数。
type GlobalConfig struct {
	ListenPort     int      `mapstructure:"ListenPort"`
	LogLevel       string   `mapstructure:"LogLevel"`
	LogFilePath    string   `mapstructure:"LogFilePath"`
	LogMaxSize     int      `mapstructure:"LogMaxSize"`
	LogMaxBackups  int      `mapstructure:"LogMaxBackups"`
	LogCompress    bool     `mapstructure:"LogCompress"`
	StoragePath    string   `mapstructure:"StoragePath"`
	MaxCacheSize   ByteSize `mapstructure:"MaxCacheSize"`
	CacheTTL       Duration `mapstructure:"CacheTTL"`
	FetchTimeout   Duration `mapstructure:"FetchTimeout"`
	SweepInterval  Duration `mapstructure:"SweepInterval"`
	MaxRetries     int      `mapstructure:"MaxRetries"`
	InitialBackoff Duration `mapstructure:"InitialBackoff"`
	MaxOriginRPS   float64  `mapstructure:"MaxOriginRPS"`
	VerifyOnRead   bool     `mapstructure:"VerifyOnRead"`
	AllowOrigin    string   `mapstructure:"AllowOrigin"`
	WatchConfig    bool     `mapstructure:"WatchConfig"`
}

// OriginConfig 决定一个本地路径前缀如何映射到上游资源地址。
type OriginConfig struct {
	Name     string   `mapstructure:"Name"`
	Prefix   string   `mapstructure:"Prefix"`
	Upstream string   `mapstructure:"Upstream"`
	Proxy    string   `mapstructure:"Proxy"`
	Username string   `mapstructure:"Username"`
	Password string   `mapstructure:"Password"`
	CacheTTL Duration `mapstructure:"CacheTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// HasCredentials 表示当前 Origin 是否配置了完整的上游凭证。
func (o OriginConfig) HasCredentials() bool {
	return o.Username != "" && o.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (o OriginConfig) AuthMode() string {
	if o.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Origin 的鉴权模式摘要，例如 scans:credentialed。
func CredentialModes(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.AuthMode())
	}
	return result
}
