package machine

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateWaitingForMould State = "waiting_for_mould"
	StateConfirmingMould State = "confirming_mould"
	StateFillLeftFast    State = "fill_left_fast"
	StateFillLeftSlow    State = "fill_left_slow"
	StatePrepRight       State = "prep_right"
	StateFillRightFast   State = "fill_right_fast"
	StateFillRightSlow   State = "fill_right_slow"
	StateWaitRemoval     State = "wait_removal"
)

// Code returns the numeric filling status published as telemetry.
func (s State) Code() int {
	switch s {
	case StateWaitingForMould:
		return 0
	case StateConfirmingMould:
		return 1
	case StateFillLeftFast:
		return 2
	case StateFillLeftSlow:
		return 3
	case StatePrepRight:
		return 4
	case StateFillRightFast:
		return 5
	case StateFillRightSlow:
		return 6
	case StateWaitRemoval:
		return 7
	default:
		return -1
	}
}

// ManualPermitted reports whether top-up, prime and cleaning may act in s.
func (s State) ManualPermitted() bool {
	return s == StateWaitingForMould || s == StateWaitRemoval
}

type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

// Trigger identifies who claimed a manual hold.
type Trigger string

const (
	TriggerUI     Trigger = "ui"
	TriggerButton Trigger = "button"
)

// FillGate enables or disables automatic filling.
type FillGate int

const (
	GateDisabled FillGate = iota
	GateEnabled
)

func (g FillGate) String() string {
	if g == GateEnabled {
		return "enabled"
	}
	return "disabled"
}

type FlavourProfile struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	DesiredVolume   float64 `json:"desired_volume"`
	MouldTareWeight float64 `json:"mould_tare_weight"`
}

// ScaleSample is the smoothed mass in kg and when it was taken.
type ScaleSample struct {
	Mass float64   `json:"mass"`
	At   time.Time `json:"at"`
}

// CommandState is the only state written to the hardware.
type CommandState struct {
	PumpRunning    bool   `json:"pump_running"`
	PumpSpeedUnits uint16 `json:"pump_speed_units"`
	LeftValveOpen  bool   `json:"left_valve_open"`
	RightValveOpen bool   `json:"right_valve_open"`
}

// FillCycle lives from mould confirmation until confirmed removal.
type FillCycle struct {
	TareWeight       float64       `json:"tare_weight"`
	LeftTare         float64       `json:"left_tare"`
	RightTare        float64       `json:"right_tare"`
	MouldTare        float64       `json:"mould_tare"`
	ConsecutiveCount int           `json:"consecutive_count"`
	LastLeftPour     float64       `json:"last_left_pour"`
	LastRightPour    float64       `json:"last_right_pour"`
	LeftStarted      time.Time     `json:"left_started,omitempty"`
	RightStarted     time.Time     `json:"right_started,omitempty"`
	LeftDuration     time.Duration `json:"left_duration"`
	RightDuration    time.Duration `json:"right_duration"`
}

type PourRecord struct {
	ID            uuid.UUID     `json:"id"`
	Flavour       string        `json:"flavour"`
	DesiredVolume float64       `json:"desired_volume"`
	MouldTare     float64       `json:"mould_tare"`
	LeftPour      float64       `json:"left_pour"`
	RightPour     float64       `json:"right_pour"`
	LeftFillTime  time.Duration `json:"left_fill_time"`
	RightFillTime time.Duration `json:"right_fill_time"`
	FastSpeed     float64       `json:"fast_speed"`
	SlowSpeed     float64       `json:"slow_speed"`
	Batch         string        `json:"batch"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// Speeds are operator-adjustable pump speeds in Hz.
type Speeds struct {
	Fast  float64 `json:"fast"`
	Slow  float64 `json:"slow"`
	Clean float64 `json:"clean"`
	Prime float64 `json:"prime"`
}

// SpeedUnits scales Hz to the drive's register units (Hz x 100).
func SpeedUnits(hz float64) uint16 {
	if hz <= 0 {
		return 0
	}
	u := math.Round(hz * 100)
	if u > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(u)
}

type ManualHolds struct {
	Left  bool `json:"left"`
	Right bool `json:"right"`
	Prime bool `json:"prime"`
}

// Status is a consistent snapshot of the machine.
type Status struct {
	State          State        `json:"state"`
	StateCode      int          `json:"state_code"`
	Gate           string       `json:"gate"`
	Cleaning       bool         `json:"cleaning"`
	Manual         ManualHolds  `json:"manual"`
	Weight         ScaleSample  `json:"weight"`
	Cycle          FillCycle    `json:"cycle"`
	Commands       CommandState `json:"commands"`
	Drive          uint16       `json:"drive_status"`
	Flavour        string       `json:"flavour"`
	DesiredVolume  float64      `json:"desired_volume"`
	PendingFlavour string       `json:"pending_flavour,omitempty"`
	Speeds         Speeds       `json:"speeds"`
	Batch          string       `json:"batch"`
	LastRecord     *PourRecord  `json:"last_record,omitempty"`
}
