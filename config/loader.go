package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader 配置加载器。优先级：默认值 → YAML 文件 → 环境变量。
type Loader struct {
	configPath string
	envPrefix  string
	validate   func(*Config) error
}

// NewLoader 创建配置加载器。
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "AGENTRUN",
		validate:  (*Config).Validate,
	}
}

// WithConfigPath 设置 YAML 配置文件路径。文件不存在时跳过文件层。
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀（默认 AGENTRUN）。
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 替换默认的校验函数。
func (l *Loader) WithValidator(fn func(*Config) error) *Loader {
	l.validate = fn
	return l
}

// Load 加载并校验配置。
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if l.validate != nil {
		if err := l.validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// MustLoad 加载配置，失败时 panic。
func (l *Loader) MustLoad() *Config {
	cfg, err := l.Load()
	if err != nil {
		panic(fmt.Sprintf("config: 加载配置失败: %v", err))
	}
	return cfg
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: 读取配置文件 %s 失败: %w", l.configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: 解析配置文件 %s 失败: %w", l.configPath, err)
	}
	return nil
}

// loadFromEnv 遍历结构体的 env 标签，用环境变量覆盖对应字段。
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.overrideStruct(reflect.ValueOf(cfg).Elem())
}

func (l *Loader) overrideStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := l.overrideStruct(field); err != nil {
				return err
			}
			continue
		}
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		key := tag
		if l.envPrefix != "" {
			key = l.envPrefix + "_" + tag
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("config: 环境变量 %s=%q 无法解析: %w", key, raw, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型 %s", field.Type())
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("不支持的字段类型 %s", field.Kind())
	}
	return nil
}
