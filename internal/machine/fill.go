package machine

import "time"

// FillParams are the fixed parameters of the fill sequence. Speeds are
// passed in register units so operator changes apply on the next tick.
type FillParams struct {
	MouldTolerance   float64
	FillTolerance    float64
	RemovalTolerance float64
	ConfirmReadings  int
	ConfirmRemovals  int
	MouldAdjustDelay time.Duration
	ValveStartDelay  time.Duration
	PostFillDelay    time.Duration
	FastUnits        uint16
	SlowUnits        uint16
}

type ActionKind int

const (
	// ActionCommand sends a batch of commands to the actuator.
	ActionCommand ActionKind = iota
	ActionWait
	// ActionCaptureTare stores the current weight as tare for Side and starts its fill timer.
	ActionCaptureTare
	// ActionMeasurePour averages pour samples for Side and stops its fill timer.
	ActionMeasurePour
)

type Action struct {
	Kind     ActionKind
	Commands []Command
	Delay    time.Duration
	Side     Side
}

func command(cmds ...Command) Action { return Action{Kind: ActionCommand, Commands: cmds} }
func wait(d time.Duration) Action    { return Action{Kind: ActionWait, Delay: d} }
func captureTare(s Side) Action      { return Action{Kind: ActionCaptureTare, Side: s} }
func measurePour(s Side) Action      { return Action{Kind: ActionMeasurePour, Side: s} }

// Decision is the outcome of one fill tick. The actions run in order and
// Next/Cycle are committed only if all of them succeed.
type Decision struct {
	Next      State
	Cycle     FillCycle
	Actions   []Action
	Completed bool
}

// DetectMould reports whether weight starts a new mould detection. Only an
// idle machine waiting for a mould can detect one.
func DetectMould(state State, weight float64, profile FlavourProfile, p FillParams) bool {
	if state != StateWaitingForMould {
		return false
	}
	return WithinTolerance(weight, profile.MouldTareWeight, p.MouldTolerance)
}

// Decide computes one fill tick. It has no side effects.
func Decide(state State, weight float64, cycle FillCycle, profile FlavourProfile, p FillParams) Decision {
	d := Decision{Next: state, Cycle: cycle}

	switch state {
	case StateWaitingForMould:
		if DetectMould(state, weight, profile, p) {
			d.Cycle.ConsecutiveCount = 1
			d.Next = StateConfirmingMould
		} else {
			d.Cycle.ConsecutiveCount = 0
		}

	case StateConfirmingMould:
		if !WithinTolerance(weight, profile.MouldTareWeight, p.MouldTolerance) {
			d.Cycle.ConsecutiveCount = 0
			d.Next = StateWaitingForMould
			break
		}
		d.Cycle.ConsecutiveCount++
		if d.Cycle.ConsecutiveCount < max(p.ConfirmReadings, 1) {
			break
		}
		d.Cycle.ConsecutiveCount = 0
		d.Actions = []Action{
			wait(p.MouldAdjustDelay),
			captureTare(SideLeft),
			wait(p.ValveStartDelay),
			command(Claim(), OpenValve(SideLeft), RunPump(p.FastUnits)),
		}
		d.Next = StateFillLeftFast

	case StateFillLeftFast:
		d = fastPhase(d, weight, profile, p, StateFillLeftSlow)

	case StateFillLeftSlow:
		d = slowPhase(d, weight, profile, p, SideLeft, StatePrepRight)

	case StatePrepRight:
		d.Cycle.ConsecutiveCount = 0
		d.Actions = []Action{
			captureTare(SideRight),
			command(OpenValve(SideRight), RunPump(p.FastUnits)),
		}
		d.Next = StateFillRightFast

	case StateFillRightFast:
		d = fastPhase(d, weight, profile, p, StateFillRightSlow)

	case StateFillRightSlow:
		d = slowPhase(d, weight, profile, p, SideRight, StateWaitRemoval)
		if d.Next == StateWaitRemoval {
			d.Actions = append(d.Actions, command(Release()))
			d.Cycle.ConsecutiveCount = 0
			d.Completed = true
		}

	case StateWaitRemoval:
		if weight > p.RemovalTolerance {
			d.Cycle.ConsecutiveCount = 0
			break
		}
		d.Cycle.ConsecutiveCount++
		if d.Cycle.ConsecutiveCount >= max(p.ConfirmRemovals, 1) {
			// removal confirmed: clear pours and tares, re-tare to the empty scale
			d.Cycle = FillCycle{TareWeight: weight}
			d.Next = StateWaitingForMould
		}

	default:
		d.Next = StateWaitingForMould
		d.Cycle = FillCycle{}
	}

	return d
}

// fastPhase holds fast speed until the net weight reaches the slow-down point.
func fastPhase(d Decision, weight float64, profile FlavourProfile, p FillParams, next State) Decision {
	net := weight - d.Cycle.TareWeight
	if net >= profile.DesiredVolume*(1-p.FillTolerance) {
		d.Actions = []Action{command(RunPump(p.SlowUnits))}
		d.Next = next
		return d
	}
	d.Actions = []Action{command(RunPump(p.FastUnits))}
	return d
}

// slowPhase holds slow speed until the target is reached, then stops,
// closes the valve and measures the pour.
func slowPhase(d Decision, weight float64, profile FlavourProfile, p FillParams, side Side, next State) Decision {
	net := weight - d.Cycle.TareWeight
	if net >= profile.DesiredVolume {
		d.Actions = []Action{
			command(StopPump()),
			wait(p.PostFillDelay),
			command(CloseValve(side)),
			wait(p.PostFillDelay),
			measurePour(side),
		}
		d.Next = next
		return d
	}
	d.Actions = []Action{command(RunPump(p.SlowUnits))}
	return d
}
