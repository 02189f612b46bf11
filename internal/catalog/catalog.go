// Package catalog serves the rotating item storefront.
package catalog

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arclight-studio/gateway/internal/config"
)

// Entry is one purchasable item from the content file.
type Entry struct {
	// ID is the stable content identifier granted on purchase.
	ID string `yaml:"id" json:"id"`
	// Name is the display name shown in the shop.
	Name string `yaml:"name" json:"name"`
	// Rarity is a content tier label such as "common" or "legendary".
	Rarity string `yaml:"rarity" json:"rarity"`
	// Price is the cost in soft currency.
	Price int `yaml:"price" json:"price"`
	// Featured marks entries eligible for the featured row.
	Featured bool `yaml:"featured" json:"-"`
}

type contentFile struct {
	Entries []Entry `yaml:"entries"`
}

// Storefront is one day's shop rotation.
type Storefront struct {
	// Date is the rotation day in YYYY-MM-DD form.
	Date string `json:"date"`
	// Daily is the regular rotation row.
	Daily []Entry `json:"daily"`
	// Featured is the featured rotation row.
	Featured []Entry `json:"featured"`
}

// Provider loads shop content and computes the daily rotation.
// Rotation is a pure function of the date, so every instance serving the
// same content file agrees on the day's storefront.
type Provider struct {
	cfg     config.CatalogConfig
	logger  *zap.Logger
	now     func() time.Time
	entries []Entry

	mu      sync.RWMutex
	current Storefront
}

// NewProvider loads the content file and computes the initial rotation.
//
// Precondition: cfg.ContentPath must point to a readable YAML content file
// with at least DailySlots+FeaturedSlots entries.
func NewProvider(cfg config.CatalogConfig, logger *zap.Logger) (*Provider, error) {
	return newProvider(cfg, logger, time.Now)
}

func newProvider(cfg config.CatalogConfig, logger *zap.Logger, now func() time.Time) (*Provider, error) {
	raw, err := os.ReadFile(cfg.ContentPath)
	if err != nil {
		return nil, fmt.Errorf("reading catalog content: %w", err)
	}
	var file contentFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog content: %w", err)
	}
	if len(file.Entries) == 0 {
		return nil, fmt.Errorf("catalog content %s has no entries", cfg.ContentPath)
	}

	featured := 0
	for _, e := range file.Entries {
		if e.ID == "" || e.Name == "" {
			return nil, fmt.Errorf("catalog entry missing id or name: %+v", e)
		}
		if e.Featured {
			featured++
		}
	}
	if len(file.Entries)-featured < cfg.DailySlots {
		return nil, fmt.Errorf("catalog needs at least %d non-featured entries, have %d",
			cfg.DailySlots, len(file.Entries)-featured)
	}
	if featured < cfg.FeaturedSlots {
		return nil, fmt.Errorf("catalog needs at least %d featured entries, have %d",
			cfg.FeaturedSlots, featured)
	}

	p := &Provider{
		cfg:     cfg,
		logger:  logger,
		now:     now,
		entries: file.Entries,
	}
	p.current = p.rotationFor(p.now().UTC())
	logger.Info("catalog loaded",
		zap.String("path", cfg.ContentPath),
		zap.Int("entries", len(file.Entries)),
		zap.String("rotation", p.current.Date))
	return p, nil
}

// Current returns the storefront for the active rotation day.
func (p *Provider) Current() Storefront {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Refresh recomputes the rotation if the day has rolled over.
//
// Postcondition: Returns the active storefront and whether it changed.
func (p *Provider) Refresh() (Storefront, bool) {
	today := p.now().UTC().Format(time.DateOnly)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.Date == today {
		return p.current, false
	}
	p.current = p.rotationFor(p.now().UTC())
	p.logger.Info("catalog rotated", zap.String("rotation", p.current.Date))
	return p.current, true
}

// rotationFor deterministically selects the day's entries. The shuffle is
// seeded with the day number so all instances compute the same rotation.
func (p *Provider) rotationFor(t time.Time) Storefront {
	day := t.Truncate(24 * time.Hour)
	rng := rand.New(rand.NewSource(day.Unix()))

	var daily, featured []Entry
	for _, e := range p.entries {
		if e.Featured {
			featured = append(featured, e)
		} else {
			daily = append(daily, e)
		}
	}
	rng.Shuffle(len(daily), func(i, j int) { daily[i], daily[j] = daily[j], daily[i] })
	rng.Shuffle(len(featured), func(i, j int) { featured[i], featured[j] = featured[j], featured[i] })

	daily = daily[:p.cfg.DailySlots]
	featured = featured[:p.cfg.FeaturedSlots]
	sort.Slice(daily, func(i, j int) bool { return daily[i].Price > daily[j].Price })
	sort.Slice(featured, func(i, j int) bool { return featured[i].Price > featured[j].Price })

	return Storefront{
		Date:     day.Format(time.DateOnly),
		Daily:    daily,
		Featured: featured,
	}
}
