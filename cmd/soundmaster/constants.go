package main

import "time"

// Volume model
const (
	// MaxLevel is the loudest logical level (0 dB attenuation). Level 0 is the
	// quietest step the chip can produce (-79 dB).
	MaxLevel = 79

	// NumChannels is the number of PT2258 output channels.
	NumChannels = 6
)

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01
	EV_REL = 0x02

	KEY_ENTER = 28
	KEY_MUTE  = 113

	// Rotary encoder relative axis codes
	REL_X     = 0x00
	REL_DIAL  = 0x07
	REL_WHEEL = 0x08
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Defaults shared between DefaultConfig and the components that fall back to them.
const (
	defaultI2CTimeoutMS      = 100
	defaultChipAddress       = 0x88
	defaultChipSettleMS      = 300
	defaultRetryIntervalMS   = 5000
	defaultQueueSize         = 64
	defaultRemoteEnqueueMS   = 250
	defaultSaveDelayMS       = 2000
	defaultDebounceMS        = 2
	defaultStepsPerDetent    = 4
	defaultShortPressMaxMS   = 1000
	defaultLongPressMinMS    = 1000
	defaultLongPressMaxMS    = 10000
	defaultPulseMS           = 150
	defaultSelectSettleMS    = 500
	defaultSelectMaxAttempts = 10
	defaultDisplayAddress    = 0x3C
	defaultDisplayClearMS    = 7000
	defaultAudioPollMS       = 1000
	defaultMQTTPort          = 1883
	defaultMainTopic         = "kimiHome/audio/soundmaster"
)

// snapshotReplyTimeout bounds how long remote surfaces wait for the control
// loop to answer a RequestStateSnapshot.
const snapshotReplyTimeout = time.Second
