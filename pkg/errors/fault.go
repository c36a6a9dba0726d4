package errors

// FaultKind groups error codes by who is responsible for them.
type FaultKind int

const (
	// FaultSystem covers internal failures with no better class.
	FaultSystem FaultKind = iota
	// FaultSetup covers failures before a match starts: spawn, connect, bundle retrieval.
	FaultSetup
	// FaultProtocol covers malformed frames and closed streams.
	FaultProtocol
	// FaultAgent covers misbehaviour of a specific agent. Only these cause a forfeit.
	FaultAgent
	// FaultResource covers file extraction and write failures.
	FaultResource
)

func (k FaultKind) String() string {
	switch k {
	case FaultSetup:
		return "setup"
	case FaultProtocol:
		return "protocol"
	case FaultAgent:
		return "agent"
	case FaultResource:
		return "resource"
	default:
		return "system"
	}
}

// KindOf returns the fault class of err.
func KindOf(err error) FaultKind {
	if err == nil {
		return FaultSystem
	}
	return GetCode(err).Kind()
}

// AttributedAgent reports which agent, if any, is at fault for err.
func AttributedAgent(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	e := GetError(err)
	if e.Agent == nil || e.Code.Kind() != FaultAgent {
		return 0, false
	}
	return *e.Agent, true
}

// AgentFault builds a misbehaviour fault attributed to the agent at index.
func AgentFault(index int, format string, args ...interface{}) *Error {
	e := Newf(AgentMisbehaved, format, args...)
	e.Stack = getStack(2)
	return e.WithAgent(index)
}

// Blame reclassifies err as misbehaviour of the agent at index, keeping the message.
func Blame(err error, index int) *Error {
	if err == nil {
		return nil
	}
	e := Wrapf(err, AgentMisbehaved, "%s", err.Error())
	if src := GetError(err); src != nil {
		for k, v := range src.Details {
			e.WithDetail(k, v)
		}
	}
	return e.WithAgent(index)
}
