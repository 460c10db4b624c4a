package collector

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	appconfig "optionflow/config"
	"optionflow/models"
)

// Source produces one poll's worth of option leg records for an index.
// Every strike offset and expiry bucket yields a call leg and a put leg.
type Source interface {
	Name() string
	Fetch(ctx context.Context, index appconfig.IndexConfig, at time.Time) ([]models.LegRecord, error)
}

// SimulatedSource synthesizes an option chain with a random walk per
// instrument. It stands in for a broker feed in development and tests.
type SimulatedSource struct {
	offsets []int
	buckets []string

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	oi     map[string]int64
}

func NewSimulatedSource(offsets []int, buckets []string, seed int64) *SimulatedSource {
	if len(offsets) == 0 {
		offsets = []int{-2, -1, 0, 1, 2}
	}
	if len(buckets) == 0 {
		buckets = []string{"this_week", "next_week", "this_month", "next_month"}
	}
	return &SimulatedSource{
		offsets: offsets,
		buckets: buckets,
		rng:     rand.New(rand.NewSource(seed)),
		prices:  make(map[string]float64),
		oi:      make(map[string]int64),
	}
}

func (s *SimulatedSource) Name() string { return "simulated" }

func (s *SimulatedSource) Fetch(ctx context.Context, index appconfig.IndexConfig, at time.Time) ([]models.LegRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	legs := make([]models.LegRecord, 0, len(s.offsets)*len(s.buckets)*2)
	for _, bucket := range s.buckets {
		for _, offset := range s.offsets {
			for _, side := range []models.Side{models.SideCall, models.SidePut} {
				id := instrumentID(index.Name, bucket, offset, side)
				legs = append(legs, models.LegRecord{
					InstrumentID: id,
					Index:        index.Name,
					ExpiryBucket: bucket,
					StrikeOffset: offset,
					Side:         side,
					Timestamp:    at,
					Price:        s.nextPrice(id, index, offset, side),
					OI:           s.nextOI(id),
					Volume:       s.rng.Int63n(50_000),
				})
			}
		}
	}
	return legs, nil
}

func instrumentID(index, bucket string, offset int, side models.Side) string {
	return fmt.Sprintf("%s:%s:%+d:%s", index, bucket, offset, side)
}

// nextPrice walks the previous premium by up to 2%. Fresh instruments get
// a premium seeded from distance to the money.
func (s *SimulatedSource) nextPrice(id string, index appconfig.IndexConfig, offset int, side models.Side) float64 {
	price, ok := s.prices[id]
	if !ok {
		moneyness := float64(offset)
		if side == models.SidePut {
			moneyness = -moneyness
		}
		price = index.StrikeStep * (1.5 - 0.4*moneyness)
		if price < 1 {
			price = 1
		}
	}
	price *= 1 + (s.rng.Float64()-0.5)*0.04
	if price < 0.05 {
		price = 0.05
	}
	s.prices[id] = price
	return price
}

func (s *SimulatedSource) nextOI(id string) int64 {
	oi, ok := s.oi[id]
	if !ok {
		oi = 100_000 + s.rng.Int63n(900_000)
	}
	oi += s.rng.Int63n(20_001) - 10_000
	if oi < 0 {
		oi = 0
	}
	s.oi[id] = oi
	return oi
}
