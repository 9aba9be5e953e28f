package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// FiscalConfig lists the VAT rates (in percent) and payment methods a sale
// may use. It is reloaded when fiscal.yml changes on disk.
type FiscalConfig struct {
	VATRates       []string `mapstructure:"vatRates"`
	PaymentMethods []string `mapstructure:"paymentMethods"`
}

func DefaultFiscalConfig() FiscalConfig {
	return FiscalConfig{
		VATRates:       []string{"0", "2.1", "5.5", "10", "20"},
		PaymentMethods: []string{"cash", "card", "check", "voucher", "transfer", "other"},
	}
}

// AllowsVATRate reports whether rate matches one of the configured rates.
func (c FiscalConfig) AllowsVATRate(rate decimal.Decimal) bool {
	for _, raw := range c.VATRates {
		allowed, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if allowed.Equal(rate) {
			return true
		}
	}
	return false
}

func (c FiscalConfig) AllowsPaymentMethod(method string) bool {
	method = strings.ToLower(strings.TrimSpace(method))
	for _, allowed := range c.PaymentMethods {
		if strings.ToLower(strings.TrimSpace(allowed)) == method {
			return true
		}
	}
	return false
}

type FiscalConfigHolder struct {
	current atomic.Value // holds FiscalConfig
}

// NewStaticFiscalConfigHolder returns a holder that never reloads.
func NewStaticFiscalConfigHolder(cfg FiscalConfig) *FiscalConfigHolder {
	holder := &FiscalConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewFiscalConfigHolder() (*FiscalConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("fiscal")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/caisse/config") // Volume-mounted config
	v.AddConfigPath("/etc/caisse")            // System config
	v.AddConfigPath(".")                      // Current directory (dev mode)

	v.SetEnvPrefix("CAISSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
		defaults := DefaultFiscalConfig()
		v.SetDefault("fiscal.vatRates", defaults.VATRates)
		v.SetDefault("fiscal.paymentMethods", defaults.PaymentMethods)
	}

	var cfg FiscalConfig
	if err := v.UnmarshalKey("fiscal", &cfg); err != nil {
		return nil, err
	}
	if err := validateFiscalConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticFiscalConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FiscalConfig
		if err := v.UnmarshalKey("fiscal", &updated); err != nil {
			log.Printf("[fiscal-config] reload failed: %v", err)
			return
		}
		if err := validateFiscalConfig(updated); err != nil {
			log.Printf("[fiscal-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[fiscal-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *FiscalConfigHolder) Get() FiscalConfig {
	if h == nil {
		return DefaultFiscalConfig()
	}
	return h.current.Load().(FiscalConfig)
}

func validateFiscalConfig(cfg FiscalConfig) error {
	if len(cfg.VATRates) == 0 {
		return errors.New("fiscal.vatRates cannot be empty")
	}
	for _, raw := range cfg.VATRates {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return errors.New("fiscal.vatRates contains an invalid rate")
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			return errors.New("fiscal.vatRates must be within [0, 100)")
		}
	}
	if len(cfg.PaymentMethods) == 0 {
		return errors.New("fiscal.paymentMethods cannot be empty")
	}
	return nil
}
