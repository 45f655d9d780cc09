package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/pricing"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RateCard is the on-disk form of the default rate table:
//
//	currency: INR
//	tax_rate: "0.18"
//	rates:
//	  OUTBOUND_CALL: 120
//	  SMS_OUTBOUND: 30
//
// Fields left out keep the value of the base table.
type RateCard struct {
	Currency string                      `yaml:"currency"`
	TaxRate  string                      `yaml:"tax_rate"`
	Rates    map[billing.EventType]int64 `yaml:"rates"`
}

// ParseRateCard decodes a YAML rate card
func ParseRateCard(data []byte) (*RateCard, error) {
	var card RateCard
	if err := yaml.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("failed to parse rate card: %w", err)
	}
	return &card, nil
}

// LoadRateCard reads the rate card at path and applies it to base
func LoadRateCard(path string, base *pricing.Rates) (*pricing.Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate card: %w", err)
	}
	card, err := ParseRateCard(data)
	if err != nil {
		return nil, err
	}
	return card.ToRates(base)
}

// ToRates merges the card onto a copy of base, or pricing.DefaultRates when
// base is nil, and validates the result.
func (c *RateCard) ToRates(base *pricing.Rates) (*pricing.Rates, error) {
	if base == nil {
		base = pricing.DefaultRates()
	}
	rates := &pricing.Rates{
		Currency: base.Currency,
		TaxRate:  base.TaxRate,
		PerUnit:  make(map[billing.EventType]int64, len(base.PerUnit)),
	}
	for eventType, rate := range base.PerUnit {
		rates.PerUnit[eventType] = rate
	}
	if c.Currency != "" {
		rates.Currency = c.Currency
	}
	if c.TaxRate != "" {
		rate, err := decimal.NewFromString(c.TaxRate)
		if err != nil {
			return nil, fmt.Errorf("invalid tax_rate %q: %w", c.TaxRate, err)
		}
		rates.TaxRate = rate
	}
	for eventType, rate := range c.Rates {
		if !eventType.Valid() {
			return nil, fmt.Errorf("%w: %s", billing.ErrUnknownEventType, eventType)
		}
		rates.PerUnit[eventType] = rate
	}
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	return rates, nil
}

// RatesSetter accepts a new default rate table
type RatesSetter interface {
	SetRates(r *pricing.Rates) error
}

// WatchRateCard reloads the rate card at path over base into target whenever
// the file is written or replaced, until ctx is done. A card that fails to
// load is logged and the current table stays in place.
func WatchRateCard(ctx context.Context, path string, base *pricing.Rates, target RatesSetter, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.New()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that rename over the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	clean := filepath.Clean(path)
	log = log.WithField("rate_card", clean)
	log.Info("Watching rate card for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != clean {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloadRateCard(clean, base, target, log)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Rate card watcher error")
		}
	}
}

func reloadRateCard(path string, base *pricing.Rates, target RatesSetter, log logrus.FieldLogger) {
	rates, err := LoadRateCard(path, base)
	if err != nil {
		log.WithError(err).Error("Failed to reload rate card, keeping current rates")
		return
	}
	if err := target.SetRates(rates); err != nil {
		log.WithError(err).Error("Rejected reloaded rate card, keeping current rates")
		return
	}
	log.WithFields(logrus.Fields{
		"currency": rates.Currency,
		"tax_rate": rates.TaxRate.String(),
	}).Info("Rate card reloaded")
}
