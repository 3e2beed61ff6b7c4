package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validSettings() Settings {
	return Settings{
		ReplicationSlot: "cdc_slot",
		KinesisStream:   "events",
		MaxRecords:      500,
		MaxBatchBytes:   4 * 1024 * 1024,
		MaxLinger:       200 * time.Millisecond,
		QueueMaxCount:   10_000,
		QueueMaxBytes:   64 * 1024 * 1024,
		MaxAttempts:     5,
		Multiplier:      2.0,
		LogFormat:       "logfmt",
	}
}

func TestSettings_ValidateAcceptsWellFormedSettings(t *testing.T) {
	assert.NoError(t, validSettings().Validate())
}

func TestSettings_ValidateRequiresReplicationSlot(t *testing.T) {
	s := validSettings()
	s.ReplicationSlot = ""
	assert.Error(t, s.Validate())
}

func TestSettings_ValidateRequiresKinesisStream(t *testing.T) {
	s := validSettings()
	s.KinesisStream = ""
	assert.Error(t, s.Validate())
}

func TestSettings_ValidateRejectsQueueSmallerThanMaxRecords(t *testing.T) {
	s := validSettings()
	s.QueueMaxCount = 10
	s.MaxRecords = 500
	assert.Error(t, s.Validate())
}

func TestSettings_ValidateRejectsMultiplierAtOrBelowOne(t *testing.T) {
	s := validSettings()
	s.Multiplier = 1.0
	assert.Error(t, s.Validate())
}

func TestSettings_ValidateRejectsUnknownLogFormat(t *testing.T) {
	s := validSettings()
	s.LogFormat = "yaml"
	assert.Error(t, s.Validate())
}

func TestSettings_ValidateRejectsNegativeSinkAttemptRate(t *testing.T) {
	s := validSettings()
	s.MaxSinkAttemptsPerSecond = -1
	assert.Error(t, s.Validate())
}

func TestSettings_ValidateAcceptsZeroSinkAttemptRateAsUnlimited(t *testing.T) {
	s := validSettings()
	s.MaxSinkAttemptsPerSecond = 0
	assert.NoError(t, s.Validate())
}
