package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_HistoricalDialWindow(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	bh := cfg.Policy.BusinessHours
	assert.Equal(t, "19:00", bh.Start)
	assert.Equal(t, "18:00", bh.End)
	assert.Equal(t, "Asia/Dubai", bh.Timezone)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, bh.Days)
	assert.True(t, bh.WrapMidnight, "the inverted historical window only makes sense spanning midnight")
}

func TestApplyDefaults_CoreKnobs(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(3), cfg.Policy.CreditMinimum)
	assert.Equal(t, int64(3), cfg.Policy.CallCost)
	assert.Equal(t, 8, cfg.Batch.MaxParallel)
	assert.Equal(t, 0, cfg.Batch.DefaultRetries)
	assert.Equal(t, 64, cfg.Stream.MailboxSize)
	assert.Equal(t, "outbound_calls", cfg.Policy.CallFeatureKey)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestValidate_DefaultConfigPasses(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
}

func TestValidate_InvertedWindowWithoutWrapFails(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Policy.BusinessHours = BusinessHours{
		Start: "19:00", End: "18:00", Timezone: "Asia/Dubai", Days: []int{0, 1},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inverted")
}

func TestValidate_WrapFlagAcceptsInvertedWindow(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Policy.BusinessHours = BusinessHours{
		Start: "22:00", End: "06:00", Timezone: "America/New_York",
		Days: []int{1, 2, 3, 4, 5}, WrapMidnight: true,
	}
	require.NoError(t, cfg.Validate())
}

func TestValidate_EqualStartEndIsInverted(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Policy.BusinessHours = BusinessHours{
		Start: "09:00", End: "09:00", Timezone: "UTC", Days: []int{1},
	}
	require.Error(t, cfg.Validate())
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Policy.BusinessHours.Timezone = "Mars/Olympus_Mons"
	require.Error(t, cfg.Validate())
}

func TestValidate_DayOutOfRange(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Policy.BusinessHours.Days = []int{0, 7}
	require.Error(t, cfg.Validate())
}

func TestValidate_SchemaIdentifier(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Database.DefaultSchema = "tenant_7"
	require.NoError(t, cfg.Validate())

	cfg.Database.DefaultSchema = `tenant";DROP TABLE wallet;--`
	require.Error(t, cfg.Validate())
}

func TestParseClock(t *testing.T) {
	mins, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*60+30, mins)

	for _, bad := range []string{"9", "25:00", "12:61", "ab:cd", ""} {
		_, err := ParseClock(bad)
		assert.Error(t, err, "input=%q", bad)
	}
}

func TestManager_PolicyMergesTenantOverrides(t *testing.T) {
	global := &Config{}
	global.ApplyDefaults()

	m := &Manager{
		global: global,
		overrides: map[string]PolicyConfig{
			"acme": {
				BusinessHours: BusinessHours{Start: "08:00", End: "17:00"},
				CreditMinimum: 10,
			},
		},
	}

	eff := m.PolicyFor("acme")
	assert.Equal(t, "08:00", eff.BusinessHours.Start)
	assert.Equal(t, "17:00", eff.BusinessHours.End)
	assert.Equal(t, "Asia/Dubai", eff.BusinessHours.Timezone, "timezone falls through to global")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, eff.BusinessHours.Days, "days fall through to global")
	assert.Equal(t, int64(10), eff.CreditMinimum)
	assert.Equal(t, global.Policy.RateLimitPerMinute, eff.RateLimitPerMinute)
}

func TestManager_UnknownTenantGetsGlobalPolicy(t *testing.T) {
	global := &Config{}
	global.ApplyDefaults()
	m := &Manager{global: global, overrides: map[string]PolicyConfig{}}

	eff := m.PolicyFor("nobody")
	assert.Equal(t, global.Policy.BusinessHours, eff.BusinessHours)
	assert.Equal(t, global.Policy.CreditMinimum, eff.CreditMinimum)
}
