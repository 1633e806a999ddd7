package assoc

import (
	"fmt"

	"github.com/kardianos/rpcrt/rstate"
)

// eventCtx is the data a rule sees. The group lock is held while rules run.
type eventCtx struct {
	g *Group
	p Payload
}

type rule = rstate.Rule[State, Event, *eventCtx]

func checkAdd(c *eventCtx) error {
	if _, ok := c.g.members[c.p.Assoc]; ok {
		return fmt.Errorf("%w: association %d already in group %s", ErrContractViolation, c.p.Assoc, c.g.key)
	}
	if c.g.maxMembers > 0 && len(c.g.members) >= c.g.maxMembers {
		return fmt.Errorf("%w: group %s has %d associations", ErrTooManyAssociations, c.g.key, len(c.g.members))
	}
	return nil
}

func checkRem(c *eventCtx) error {
	if _, ok := c.g.members[c.p.Assoc]; !ok {
		return fmt.Errorf("%w: association %d not in group %s", ErrContractViolation, c.p.Assoc, c.g.key)
	}
	return nil
}

func checkIdle(c *eventCtx) error {
	if n := len(c.g.members); n > 0 {
		return fmt.Errorf("%w: group %s still has %d associations", ErrContractViolation, c.g.key, n)
	}
	return nil
}

func applyAdd(c *eventCtx) State {
	c.g.members[c.p.Assoc] = struct{}{}
	return StateActive
}

func to(s State) func(*eventCtx) State {
	return func(*eventCtx) State { return s }
}

// clientRules: a client group returns to OPEN when its last association
// is removed and is closed explicitly by the transport.
var clientRules = rstate.NewTable("client", []rule{
	{From: StateClosed, On: EventNew, Name: "create", Apply: to(StateOpen)},
	{From: StateOpen, On: EventAddAssoc, Name: "first-assoc", Check: checkAdd, Apply: applyAdd},
	{From: StateActive, On: EventAddAssoc, Name: "add-assoc", Check: checkAdd, Apply: applyAdd},
	{
		From: StateActive, On: EventRemAssoc, Name: "rem-assoc", Check: checkRem,
		Apply: func(c *eventCtx) State {
			delete(c.g.members, c.p.Assoc)
			if len(c.g.members) == 0 {
				return StateOpen
			}
			return StateActive
		},
	},
	{From: StateOpen, On: EventClose, Name: "close", Check: checkIdle, Apply: to(StateClosed)},
})

// serverRules: a server group stays ACTIVE at zero members so a quick
// reconnect does not re-probe. Only NO_CALLS_IND closes it.
var serverRules = rstate.NewTable("server", []rule{
	{From: StateClosed, On: EventNew, Name: "create", Apply: to(StateOpen)},
	{From: StateOpen, On: EventAddAssoc, Name: "first-assoc", Check: checkAdd, Apply: applyAdd},
	{From: StateActive, On: EventAddAssoc, Name: "add-assoc", Check: checkAdd, Apply: applyAdd},
	{
		From: StateActive, On: EventRemAssoc, Name: "rem-assoc", Check: checkRem,
		Apply: func(c *eventCtx) State {
			delete(c.g.members, c.p.Assoc)
			return StateActive
		},
	},
	{From: StateOpen, On: EventNoCallsInd, Name: "no-calls", Check: checkIdle, Apply: to(StateClosed)},
	{From: StateActive, On: EventNoCallsInd, Name: "no-calls", Check: checkIdle, Apply: to(StateClosed)},
})

func rulesFor(r Role) *rstate.Table[State, Event, *eventCtx] {
	if r == RoleServer {
		return serverRules
	}
	return clientRules
}

// Defines reports whether the role's table has a row for the event in the
// state. It does not evaluate guards.
func Defines(r Role, s State, ev Event) bool {
	return rulesFor(r).Defines(s, ev)
}
