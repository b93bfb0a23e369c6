package blood

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestShelfLifeDays(t *testing.T) {
	want := map[Component]int{
		ComponentWhole:     35,
		ComponentRedCells:  42,
		ComponentPlasma:    365,
		ComponentPlatelets: 5,
	}
	for c, days := range want {
		got, err := ShelfLifeDays(c)
		require.NoError(t, err)
		assert.Equal(t, days, got, c)
	}
	_, err := ShelfLifeDays("cryo")
	assert.Error(t, err)
}

func TestExpiresAt_CollectedNewYear2024(t *testing.T) {
	collected := date(2024, 1, 1)

	whole, err := ExpiresAt(ComponentWhole, collected)
	require.NoError(t, err)
	assert.Equal(t, date(2024, 2, 5), whole)

	plasma, err := ExpiresAt(ComponentPlasma, collected)
	require.NoError(t, err)
	assert.Equal(t, date(2025, 1, 1), plasma)

	red, err := ExpiresAt(ComponentRedCells, collected)
	require.NoError(t, err)
	assert.Equal(t, date(2024, 2, 12), red)

	plt, err := ExpiresAt(ComponentPlatelets, collected)
	require.NoError(t, err)
	assert.Equal(t, date(2024, 1, 6), plt)
}

func TestExpiresAt_DayComponentsAreExactDays(t *testing.T) {
	collected := time.Date(2023, 3, 10, 14, 30, 0, 0, time.UTC)
	for _, c := range []Component{ComponentWhole, ComponentRedCells, ComponentPlatelets} {
		days, _ := ShelfLifeDays(c)
		got, err := ExpiresAt(c, collected)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(days)*24*time.Hour, got.Sub(collected), c)
	}
}

func TestExpiresAt_UnknownComponent(t *testing.T) {
	_, err := ExpiresAt("cryo", date(2024, 1, 1))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	now := date(2024, 6, 1)
	assert.Equal(t, Expired, Classify(now, now, DefaultExpiringWindow), "expiry instant counts as expired")
	assert.Equal(t, Expired, Classify(now.Add(-time.Second), now, DefaultExpiringWindow))
	assert.Equal(t, ExpiringSoon, Classify(now.Add(48*time.Hour), now, DefaultExpiringWindow))
	assert.Equal(t, Fresh, Classify(now.Add(10*24*time.Hour), now, DefaultExpiringWindow))
}

func TestParseGroupAndComponent(t *testing.T) {
	g, err := ParseGroup("AB-")
	require.NoError(t, err)
	assert.Equal(t, GroupABNeg, g)
	_, err = ParseGroup("C+")
	assert.Error(t, err)

	c, err := ParseComponent("red_cells")
	require.NoError(t, err)
	assert.Equal(t, ComponentRedCells, c)
	_, err = ParseComponent("serum")
	assert.Error(t, err)
}

func TestFixedClock(t *testing.T) {
	c := NewFixedClock(date(2024, 1, 1))
	c.Advance(36 * time.Hour)
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), c.Now())
	c.Set(date(2030, 1, 1))
	assert.Equal(t, date(2030, 1, 1), c.Now())
}

func TestParseBloodPressure(t *testing.T) {
	bp, err := ParseBloodPressure(" 120 / 80 ")
	require.NoError(t, err)
	assert.Equal(t, BloodPressure{120, 80}, bp)
	assert.Equal(t, "120/80", bp.String())

	for _, bad := range []string{"120", "abc/80", "120/x", "260/80", "120/30", "80/90"} {
		_, err := ParseBloodPressure(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckRange(t *testing.T) {
	assert.NoError(t, CheckRange("hemoglobin", 10, HemoglobinRange))
	assert.NoError(t, CheckRange("hemoglobin", 20, HemoglobinRange))
	err := CheckRange("hemoglobin", 9.5, HemoglobinRange)
	require.Error(t, err)
	assert.Equal(t, "hemoglobin 9.5 outside 10-20 g/dL", err.Error())
	assert.Error(t, CheckRange("pulse", 121, PulseRange))
	assert.Error(t, CheckRange("temperature", 34.9, TemperatureRange))
	assert.Error(t, CheckRange("weight", 151, WeightRange))
}
