package machine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Source identifies who sends actuator commands.
type Source int

const (
	SourceFill Source = iota
	SourceCleaning
	SourceManual
	SourceShutdown
)

func (s Source) String() string {
	switch s {
	case SourceFill:
		return "fill"
	case SourceCleaning:
		return "cleaning"
	case SourceManual:
		return "manual"
	case SourceShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type CommandKind int

const (
	CmdSetValve CommandKind = iota
	CmdSetPump
	CmdClaim
	CmdRelease
)

// sideBoth addresses both valves in a CmdSetValve.
const sideBoth Side = "both"

type Command struct {
	Kind    CommandKind
	Side    Side
	Open    bool
	Running bool
	Speed   uint16
}

func OpenValve(side Side) Command  { return Command{Kind: CmdSetValve, Side: side, Open: true} }
func CloseValve(side Side) Command { return Command{Kind: CmdSetValve, Side: side} }
func CloseValves() Command         { return Command{Kind: CmdSetValve, Side: sideBoth} }
func SetValve(side Side, open bool) Command {
	return Command{Kind: CmdSetValve, Side: side, Open: open}
}
func RunPump(units uint16) Command { return Command{Kind: CmdSetPump, Running: true, Speed: units} }
func StopPump() Command            { return Command{Kind: CmdSetPump} }
func Claim() Command               { return Command{Kind: CmdClaim} }
func Release() Command             { return Command{Kind: CmdRelease} }

func (c Command) String() string {
	switch c.Kind {
	case CmdSetValve:
		if c.Open {
			return fmt.Sprintf("open %s valve", c.Side)
		}
		return fmt.Sprintf("close %s valve", c.Side)
	case CmdSetPump:
		if c.Running {
			return fmt.Sprintf("run pump at %d", c.Speed)
		}
		return "stop pump"
	case CmdClaim:
		return "claim"
	case CmdRelease:
		return "release"
	default:
		return "unknown"
	}
}

type actuatorRequest struct {
	source   Source
	commands []Command
	reply    chan error
}

// Actuator is the single owner of CommandState. All producers go through
// Submit; the polling loops read Snapshot.
//
// Ownership rules:
//   - shutdown claims are latched and reject every other source
//   - a claimed actuator only accepts commands from its owner
//   - without a claim only manual (and shutdown) may set outputs
type Actuator struct {
	logger *zap.Logger
	inbox  chan actuatorRequest
	done   chan struct{}

	mu        sync.RWMutex
	published ownership
}

// ownership is the actuator's complete state.
type ownership struct {
	out     CommandState
	owner   Source
	claimed bool
	latched bool
}

func NewActuator(logger *zap.Logger) *Actuator {
	return &Actuator{
		logger:    logger,
		inbox:     make(chan actuatorRequest),
		done:      make(chan struct{}),
		published: ownership{owner: SourceManual},
	}
}

// Run processes requests in arrival order until ctx is done.
func (a *Actuator) Run(ctx context.Context) error {
	defer close(a.done)

	// owned by this goroutine
	current := ownership{owner: SourceManual}

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-a.inbox:
			next, err := current.apply(req)
			if err != nil {
				a.logger.Debug("Actuator command rejected",
					zap.String("source", req.source.String()),
					zap.Error(err))
				req.reply <- err
				continue
			}
			current = next

			a.mu.Lock()
			a.published = current
			a.mu.Unlock()

			req.reply <- nil
		}
	}
}

// Submit sends one batch. The batch is applied completely or not at all.
func (a *Actuator) Submit(ctx context.Context, source Source, commands ...Command) error {
	if len(commands) == 0 {
		return nil
	}

	req := actuatorRequest{source: source, commands: commands, reply: make(chan error, 1)}

	select {
	case a.inbox <- req:
	case <-a.done:
		return ErrActuatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// reply is buffered and always sent once the request is taken
	return <-req.reply
}

// Snapshot returns a consistent copy of the current outputs.
func (a *Actuator) Snapshot() CommandState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.published.out
}

// Owner returns the current owner and whether it holds a claim.
func (a *Actuator) Owner() (Source, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.published.owner, a.published.claimed
}

func (a *Actuator) Latched() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.published.latched
}

// apply works on a copy; on error the receiver is left as it was.
func (o ownership) apply(req actuatorRequest) (ownership, error) {
	src := req.source

	if o.latched && src != SourceShutdown {
		return o, fmt.Errorf("%w: shutdown in progress", ErrNotOwner)
	}

	next := o
	for _, cmd := range req.commands {
		switch cmd.Kind {
		case CmdClaim:
			if src == SourceShutdown {
				next.owner, next.claimed, next.latched = SourceShutdown, true, true
				continue
			}
			if src == SourceManual {
				return o, fmt.Errorf("%w: manual cannot claim", ErrNotOwner)
			}
			if next.claimed && next.owner != src {
				return o, fmt.Errorf("%w: held by %s", ErrNotOwner, next.owner)
			}
			next.owner, next.claimed = src, true

		case CmdRelease:
			if src == SourceShutdown {
				continue
			}
			if next.claimed && next.owner == src {
				next.owner, next.claimed = SourceManual, false
			}

		case CmdSetValve, CmdSetPump:
			if next.claimed && next.owner != src {
				return o, fmt.Errorf("%w: held by %s", ErrNotOwner, next.owner)
			}
			if !next.claimed && src != SourceManual {
				return o, fmt.Errorf("%w: %s has no claim", ErrNotOwner, src)
			}
			out, err := applyOutput(next.out, cmd)
			if err != nil {
				return o, err
			}
			next.out = out

		default:
			return o, fmt.Errorf("unknown command kind %d", cmd.Kind)
		}
	}

	return next, nil
}

func applyOutput(state CommandState, cmd Command) (CommandState, error) {
	switch cmd.Kind {
	case CmdSetPump:
		state.PumpRunning = cmd.Running
		if cmd.Running {
			state.PumpSpeedUnits = cmd.Speed
		} else {
			state.PumpSpeedUnits = 0
		}
	case CmdSetValve:
		switch cmd.Side {
		case SideLeft:
			state.LeftValveOpen = cmd.Open
		case SideRight:
			state.RightValveOpen = cmd.Open
		case sideBoth:
			state.LeftValveOpen = cmd.Open
			state.RightValveOpen = cmd.Open
		default:
			return state, fmt.Errorf("%w: %q", ErrInvalidSide, cmd.Side)
		}
	}
	return state, nil
}
