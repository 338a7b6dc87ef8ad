package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.CacheTTL.DurationValue() != time.Hour {
		t.Fatalf("CacheTTL 应解析为 1h，得到 %s", cfg.Global.CacheTTL.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.MaxCacheSize.Bytes() != 2<<30 {
		t.Fatalf("MaxCacheSize 应解析为 2GiB，得到 %d", cfg.Global.MaxCacheSize)
	}
	if !cfg.Global.VerifyOnRead {
		t.Fatalf("VerifyOnRead 默认应开启")
	}
	if cfg.Global.AllowOrigin != "*" {
		t.Fatalf("AllowOrigin 默认应为 *，得到 %s", cfg.Global.AllowOrigin)
	}
	if cfg.Global.MaxRetries != 2 {
		t.Fatalf("MaxRetries 默认值应为 2，得到 %d", cfg.Global.MaxRetries)
	}
	if cfg.EffectiveCacheTTL(cfg.Origins[0]) != cfg.Global.CacheTTL.DurationValue() {
		t.Fatalf("Origin 未设置 TTL 时应退回全局 TTL")
	}
	if cfg.Origins[1].Prefix != "/meshes" {
		t.Fatalf("Prefix 应去掉末尾斜杠，得到 %s", cfg.Origins[1].Prefix)
	}
	if cfg.EffectiveCacheTTL(cfg.Origins[1]) != 2*time.Hour {
		t.Fatalf("Origin TTL 覆盖未生效")
	}
}

func TestValidateRejectsBadOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestEffectiveCacheTTLOverrides(t *testing.T) {
	cfg := &Config{Global: GlobalConfig{CacheTTL: Duration(time.Hour)}}
	origin := OriginConfig{CacheTTL: Duration(2 * time.Hour)}
	if ttl := cfg.EffectiveCacheTTL(origin); ttl != 2*time.Hour {
		t.Fatalf("覆盖 TTL 应该优先生效")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidatePrefix(t *testing.T) {
	testCases := []struct {
		name      string
		prefix    string
		shouldErr bool
	}{
		{"root ok", "/", false},
		{"nested ok", "/files/scans", false},
		{"diagnostics clash", "/-/stats", true},
		{"health clash", "/health", true},
		{"missing slash", "files", true},
		{"query", "/files?x=1", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Origins[0].Prefix = tc.prefix
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for prefix %q", tc.prefix)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for prefix %q: %v", tc.prefix, err)
			}
		})
	}
}

func TestValidateRejectsDuplicatePrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Origins = append(cfg.Origins, OriginConfig{
		Name:     "dup",
		Prefix:   cfg.Origins[0].Prefix,
		Upstream: "https://other.example.org",
	})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复 Prefix 应报错")
	}
}

func TestValidateRequiresCredentialPairs(t *testing.T) {
	cfg := validConfig()
	cfg.Origins[0].Username = "foo"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("仅提供 Username 时应报错")
	}
}

func TestValidateRejectsZeroCapacity(t *testing.T) {
	cfg := validConfig()
	cfg.Global.MaxCacheSize = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("容量为 0 时应报错")
	}
	fieldErr, ok := err.(FieldError)
	if !ok || fieldErr.Field != "Global.MaxCacheSize" {
		t.Fatalf("应返回 MaxCacheSize 字段错误，得到 %v", err)
	}
}

func TestParseByteSize(t *testing.T) {
	testCases := []struct {
		raw  string
		want ByteSize
	}{
		{"1024", 1024},
		{"512MiB", 512 << 20},
		{"10GB", 10 * 1000 * 1000 * 1000},
		{"1.5g", ByteSize(1.5 * float64(1<<30))},
		{"64kb", 64000},
		{"", 0},
	}
	for _, tc := range testCases {
		got, err := ParseByteSize(tc.raw)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
	if _, err := ParseByteSize("lots"); err == nil {
		t.Fatalf("无效容量应返回错误")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:     5000,
			StoragePath:    "./data",
			MaxCacheSize:   ByteSize(1 << 30),
			CacheTTL:       Duration(time.Hour),
			FetchTimeout:   Duration(time.Minute),
			SweepInterval:  Duration(time.Minute),
			MaxRetries:     1,
			InitialBackoff: Duration(time.Second),
		},
		Origins: []OriginConfig{
			{
				Name:     "scans",
				Prefix:   "/files",
				Upstream: "https://inference.example.org/files",
			},
		},
	}
}
