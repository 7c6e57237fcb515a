// Package config содержит логику чтения конфигурации сервиса оплаты абонементов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrMissingSetting возвращается, если не задан обязательный параметр.
var ErrMissingSetting = errors.New("required setting is missing")

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	Bank BankConfig

	PublicBase     string `env:"PUBLIC_BASE"`
	DefaultBackURL string `env:"DEFAULT_BACK_URL" envDefault:"/"`
	HonorBackURL   bool   `env:"HONOR_BACK_URL" envDefault:"true"`
	OpsToken       string `env:"OPS_TOKEN"`

	OrdersDir   string `env:"ORDERS_DIR" envDefault:"./data/orders"`
	VouchersDir string `env:"VOUCHERS_DIR" envDefault:"./data/vouchers"`

	Voucher VoucherConfig
	SMTP    SMTPConfig
	Notify  NotifyConfig
}

// BankConfig содержит параметры подключения к платёжному шлюзу банка.
type BankConfig struct {
	BaseURL       string `env:"ALFA_BASE_URL" envDefault:"https://alfa.rbsuat.com/payment"`
	Token         string `env:"ALFA_TOKEN"`
	User          string `env:"ALFA_USER"`
	Password      string `env:"ALFA_PASS"`
	SkipSSLVerify bool   `env:"ALFA_SKIP_SSL_VERIFY" envDefault:"false"`
	Currency      string `env:"ALFA_CURRENCY" envDefault:"643"`
	Language      string `env:"ALFA_LANGUAGE" envDefault:"ru"`
}

// VoucherConfig содержит параметры выпуска абонементов.
type VoucherConfig struct {
	Secret       string `env:"VOUCHER_SECRET"`
	TemplatePath string `env:"VOUCHER_TEMPLATE_PATH"`
	LogoPath     string `env:"VOUCHER_LOGO_PATH"`
	FontPath     string `env:"VOUCHER_FONT_PATH"`
}

// SMTPConfig содержит параметры отправки писем.
type SMTPConfig struct {
	Host            string `env:"SMTP_HOST"`
	Port            int    `env:"SMTP_PORT"`
	User            string `env:"SMTP_USER"`
	Password        string `env:"SMTP_PASS"`
	From            string `env:"SMTP_FROM"`
	FromName        string `env:"SMTP_FROM_NAME" envDefault:"DVVS"`
	Encryption      string `env:"SMTP_ENC"`
	AllowSelfSigned bool   `env:"SMTP_ALLOW_SELF_SIGNED"`
}

// NotifyConfig содержит параметры уведомления внешней учётной системы о продаже.
type NotifyConfig struct {
	URL       string `env:"NOTIFY_URL"`
	ClubID    string `env:"NOTIFY_CLUB_ID"`
	UserToken string `env:"NOTIFY_USER_TOKEN"`
	APIKey    string `env:"NOTIFY_API_KEY"`
	BasicUser string `env:"NOTIFY_BASIC_USER"`
	BasicPass string `env:"NOTIFY_BASIC_PASS"`
}

// Parse считывает конфигурацию из файла окружения, флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		// godotenv.Load не перезаписывает уже заданные переменные.
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBankURL := os.Getenv("ALFA_BASE_URL")
	envPublicBase := cfg.PublicBase

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, file storage is used when empty")
	flag.StringVar(&cfg.Bank.BaseURL, "b", cfg.Bank.BaseURL, "bank gateway base URL")
	flag.StringVar(&cfg.PublicBase, "p", "", "public base URL of the service")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBankURL != "" {
		cfg.Bank.BaseURL = envBankURL
	}
	if envPublicBase != "" {
		cfg.PublicBase = envPublicBase
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	cfg.PublicBase = strings.TrimRight(cfg.PublicBase, "/")

	return cfg, nil
}

// Validate проверяет наличие параметров, без которых сервис не может выпускать абонементы.
// Учётные данные банка здесь не проверяются: клиент банка сообщает об их отсутствии при каждом вызове.
func (c *Config) Validate() error {
	if c.Voucher.Secret == "" {
		return fmt.Errorf("%w: VOUCHER_SECRET", ErrMissingSetting)
	}
	if c.PublicBase == "" {
		return fmt.Errorf("%w: PUBLIC_BASE", ErrMissingSetting)
	}
	return nil
}
