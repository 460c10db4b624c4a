package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/models"
)

func makeLeg(side models.Side, offset int, ts time.Time) models.LegRecord {
	return models.LegRecord{
		InstrumentID: "NIFTY:this_week:" + string(side),
		Index:        "NIFTY",
		ExpiryBucket: "this_week",
		StrikeOffset: offset,
		Side:         side,
		Timestamp:    ts,
		Price:        100,
		OI:           5000,
		Volume:       250,
	}
}

func TestMergePairsBothSides(t *testing.T) {
	m := NewMerger(MergeConfig{TimestampBucket: time.Minute, WaitWindow: time.Minute})
	ts := time.Date(2026, 3, 2, 9, 30, 10, 0, time.UTC)

	ce := makeLeg(models.SideCall, 0, ts)
	ce.Price, ce.OI, ce.Volume = 120.5, 10000, 400
	pe := makeLeg(models.SidePut, 0, ts.Add(20*time.Second))
	pe.Price, pe.OI, pe.Volume = 80.25, 8000, 600

	rows := m.Add([]models.LegRecord{ce})
	require.Empty(t, rows, "a lone leg must stay pending")
	require.Equal(t, 1, m.PendingCount())

	rows = m.Add([]models.LegRecord{pe})
	require.Len(t, rows, 1)
	row := rows[0]

	assert.False(t, row.Partial)
	require.NotNil(t, row.CEPrice)
	require.NotNil(t, row.PEPrice)
	assert.Equal(t, 120.5, *row.CEPrice)
	assert.Equal(t, 80.25, *row.PEPrice)
	assert.Equal(t, ts.Truncate(time.Minute), row.Timestamp)

	// Derived columns are present on complete rows.
	require.NotNil(t, row.TotalPremium)
	assert.InDelta(t, 200.75, *row.TotalPremium, 1e-9)
	require.NotNil(t, row.TotalVolume)
	assert.Equal(t, int64(1000), *row.TotalVolume)
	require.NotNil(t, row.PutCallRatio)
	assert.InDelta(t, 0.8, *row.PutCallRatio, 1e-9)
	assert.Zero(t, m.PendingCount())
}

// Clock skew within one timestamp bucket must not split a pair.
func TestMergeAbsorbsClockSkew(t *testing.T) {
	m := NewMerger(MergeConfig{TimestampBucket: time.Minute, WaitWindow: time.Minute})
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	ce := makeLeg(models.SideCall, 1, ts.Add(5*time.Second))
	pe := makeLeg(models.SidePut, 1, ts.Add(55*time.Second))

	m.Add([]models.LegRecord{ce})
	rows := m.Add([]models.LegRecord{pe})
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Partial)
}

func TestLoneLegFlushesAsPartialAfterWaitWindow(t *testing.T) {
	m := NewMerger(MergeConfig{TimestampBucket: time.Minute, WaitWindow: 30 * time.Second})
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	m.Add([]models.LegRecord{makeLeg(models.SideCall, 0, base)})

	require.Empty(t, m.FlushExpired(), "wait window has not elapsed")

	now = base.Add(31 * time.Second)
	rows := m.FlushExpired()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Partial)
	require.NotNil(t, rows[0].CEPrice)
	assert.Nil(t, rows[0].PEPrice)
	assert.Nil(t, rows[0].TotalPremium, "partial rows carry no derived columns")
}

func TestSameSideReobservationFlushesOlderAsPartial(t *testing.T) {
	m := NewMerger(MergeConfig{TimestampBucket: time.Minute, WaitWindow: time.Minute})
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	first := makeLeg(models.SideCall, 0, ts.Add(time.Second))
	first.Price = 100
	second := makeLeg(models.SideCall, 0, ts.Add(30*time.Second))
	second.Price = 105

	m.Add([]models.LegRecord{first})
	rows := m.Add([]models.LegRecord{second})
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Partial)
	assert.Equal(t, 100.0, *rows[0].CEPrice, "older leg becomes the partial")

	// The newer leg still pairs with its put.
	rows = m.Add([]models.LegRecord{makeLeg(models.SidePut, 0, ts.Add(40*time.Second))})
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Partial)
	assert.Equal(t, 105.0, *rows[0].CEPrice)
}

// Every deduplicated input leg ends up in exactly one row:
// input == 2*complete + partial.
func TestConservationLaw(t *testing.T) {
	m := NewMerger(MergeConfig{TimestampBucket: time.Minute, WaitWindow: time.Second})
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	var input []models.LegRecord
	for offset := -2; offset <= 2; offset++ {
		input = append(input, makeLeg(models.SideCall, offset, ts))
		if offset != 0 {
			// The ATM put never arrives.
			input = append(input, makeLeg(models.SidePut, offset, ts))
		}
	}

	m.Add(input)
	m.FlushAll()

	complete, partial := m.Counts()
	assert.Equal(t, int64(len(input)), 2*complete+partial,
		"conservation law violated: %d input, %d complete, %d partial", len(input), complete, partial)
	assert.Equal(t, int64(4), complete)
	assert.Equal(t, int64(1), partial)
}

func TestDeduperDropsReplays(t *testing.T) {
	d := NewDeduper(10 * time.Minute)
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	legs := []models.LegRecord{
		makeLeg(models.SideCall, 0, ts),
		makeLeg(models.SidePut, 0, ts),
	}

	unique, dupes := d.Filter(legs)
	require.Len(t, unique, 2)
	assert.Zero(t, dupes)

	// A replay of the same chunk is fully dropped.
	unique, dupes = d.Filter(legs)
	assert.Empty(t, unique)
	assert.Equal(t, 2, dupes)

	// The same instrument at a later timestamp is a new observation.
	later := makeLeg(models.SideCall, 0, ts.Add(30*time.Second))
	unique, dupes = d.Filter([]models.LegRecord{later})
	require.Len(t, unique, 1)
	assert.Zero(t, dupes)
}

func TestDeduperEvictsOldKeys(t *testing.T) {
	d := NewDeduper(time.Minute)
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	now := base
	d.now = func() time.Time { return now }

	ts := base
	d.Filter([]models.LegRecord{makeLeg(models.SideCall, 0, ts)})

	// After the window the key is evicted and the record passes again.
	now = base.Add(2 * time.Minute)
	unique, _ := d.Filter([]models.LegRecord{makeLeg(models.SideCall, 0, ts)})
	require.Len(t, unique, 1)
}
