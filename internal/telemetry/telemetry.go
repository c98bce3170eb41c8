// Package telemetry publishes machine status and completed pours to MQTT.
package telemetry

import (
	"fmt"
	"strconv"
	"time"
)

// Topic suffixes below the configured prefix (FillingMachine/ by default).
const (
	TopicActualWeight  = "ActualWeight"
	TopicVFDState      = "VFDState"
	TopicVFDSpeed      = "VFDSpeed"
	TopicVFDStatus     = "VFDStatus"
	TopicValve1State   = "Valve1State"
	TopicValve2State   = "Valve2State"
	TopicFillStatus    = "FillStatus"
	TopicFillState     = "FillState"
	TopicHealthy       = "Healthy"
	TopicCleaning      = "Cleaning"
	TopicHighSpeed     = "HighSpeed"
	TopicLowSpeed      = "LowSpeed"
	TopicDesiredVolume = "DesiredVolume"
	TopicTare          = "Tare"

	TopicMould1FinalWeight = "Completed-Mould1FinalWeight"
	TopicMould1FillTime    = "Completed-Mould1FillTime"
	TopicMould2FinalWeight = "Completed-Mould2FinalWeight"
	TopicMould2FillTime    = "Completed-Mould2FillTime"
	TopicDesiredCompleted  = "Completed-DesiredVolume"
	TopicHighSpeedDone     = "Completed-HighSpeed"
	TopicLowSpeedDone      = "Completed-LowSpeed"
	TopicBatchNumber       = "Completed-BatchNumber"
)

const DefaultPrefix = "FillingMachine/"

// Publisher sends single values to the broker.
type Publisher interface {
	// Publish sends payload to topic. Errors must not stop the caller.
	Publish(topic string, payload []byte) error

	Close() error
}

// ConnectionStatus reports whether the broker connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

// FormatValue renders a value as the plain-text payload the dashboards
// expect: numbers without exponent, booleans as 0/1.
func FormatValue(v any) []byte {
	switch x := v.(type) {
	case float64:
		return []byte(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		if x {
			return []byte("1")
		}
		return []byte("0")
	case int:
		return []byte(strconv.Itoa(x))
	case uint16:
		return []byte(strconv.FormatUint(uint64(x), 10))
	case time.Duration:
		return []byte(strconv.FormatFloat(x.Seconds(), 'f', 2, 64))
	case string:
		return []byte(x)
	default:
		return []byte(fmt.Sprint(x))
	}
}
