package route

type Status string

const (
	StatusStarted         Status = "STARTED"
	StatusActionRequired  Status = "ACTION_REQUIRED"
	StatusMessageRequired Status = "MESSAGE_REQUIRED"
	StatusResetRequired   Status = "RESET_REQUIRED"
	StatusPending         Status = "PENDING"
	StatusFailed          Status = "FAILED"
	StatusDone            Status = "DONE"
	StatusCancelled       Status = "CANCELLED"

	// StatusNotStarted only appears in route summaries.
	StatusNotStarted Status = "NOT_STARTED"
)

type ProcessType string

const (
	ProcessTokenAllowance ProcessType = "TOKEN_ALLOWANCE"
	ProcessPermit         ProcessType = "PERMIT"
	ProcessSwitchChain    ProcessType = "SWITCH_CHAIN"
	ProcessSwap           ProcessType = "SWAP"
	ProcessCrossChain     ProcessType = "CROSS_CHAIN"
	ProcessReceivingChain ProcessType = "RECEIVING_CHAIN"
)

var transitions = map[Status][]Status{
	StatusStarted:         {StatusActionRequired, StatusPending, StatusFailed, StatusCancelled},
	StatusActionRequired:  {StatusPending, StatusMessageRequired, StatusFailed, StatusCancelled},
	StatusMessageRequired: {StatusPending, StatusActionRequired, StatusFailed, StatusCancelled},
	StatusResetRequired:   {StatusPending, StatusActionRequired, StatusFailed, StatusCancelled},
	StatusPending:         {StatusStarted, StatusDone, StatusFailed, StatusActionRequired},
	StatusFailed:          {StatusPending},
}

// CanTransition reports whether a process may move from one status to
// another. Staying in the same non-terminal status is allowed so that
// parameters can be merged without a transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return !IsTerminal(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusCancelled
}

// IsClosed reports whether s stamps a completion time on the process.
func IsClosed(s Status) bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

var processOrder = map[ProcessType][]ProcessType{
	ProcessTokenAllowance: {ProcessPermit, ProcessSwap, ProcessCrossChain},
	ProcessPermit:         {ProcessSwap, ProcessCrossChain},
	ProcessSwap:           {ProcessReceivingChain},
	ProcessCrossChain:     {ProcessReceivingChain},
	ProcessReceivingChain: nil,
}

// NextProcessTypes lists the process types that may follow t within a step.
func NextProcessTypes(t ProcessType) []ProcessType {
	next := processOrder[t]
	out := make([]ProcessType, len(next))
	copy(out, next)
	return out
}

var processMessages = map[ProcessType]map[Status]string{
	ProcessTokenAllowance: {
		StatusStarted:        "Setting token allowance.",
		StatusActionRequired: "Set token allowance.",
		StatusPending:        "Waiting for token allowance.",
		StatusDone:           "Token allowance set.",
	},
	ProcessPermit: {
		StatusStarted:         "Preparing permit.",
		StatusActionRequired:  "Sign permit message.",
		StatusMessageRequired: "Sign permit message.",
		StatusPending:         "Waiting for permit.",
		StatusDone:            "Permit signed.",
	},
	ProcessSwitchChain: {
		StatusActionRequired: "Switch chain required.",
		StatusPending:        "Switching chain.",
		StatusDone:           "Chain switched successfully.",
	},
	ProcessSwap: {
		StatusStarted:        "Preparing swap transaction.",
		StatusActionRequired: "Please sign the transaction.",
		StatusPending:        "Waiting for swap transaction.",
		StatusDone:           "Swap completed.",
	},
	ProcessCrossChain: {
		StatusStarted:        "Preparing bridge transaction.",
		StatusActionRequired: "Please sign the transaction.",
		StatusPending:        "Waiting for bridge transaction.",
		StatusDone:           "Bridge transaction confirmed.",
	},
	ProcessReceivingChain: {
		StatusPending: "Waiting for destination chain.",
		StatusDone:    "Bridge completed.",
	},
}

var statusMessages = map[Status]string{
	StatusFailed:    "Transaction failed.",
	StatusCancelled: "Transaction cancelled.",
	StatusStarted:   "Process started.",
	StatusPending:   "Process pending.",
}

// ProcessMessage returns the user-facing message for a process in a status.
func ProcessMessage(t ProcessType, s Status) string {
	if msg, ok := processMessages[t][s]; ok {
		return msg
	}
	return statusMessages[s]
}

var substatusMessages = map[string]string{
	"WAIT_SOURCE_CONFIRMATIONS":     "The bridge is waiting for additional confirmations.",
	"WAIT_DESTINATION_TRANSACTION":  "The bridge is waiting for the destination transaction.",
	"BRIDGE_NOT_AVAILABLE":          "The bridge is currently unavailable.",
	"CHAIN_NOT_AVAILABLE":           "The RPC for the source or destination chain is temporarily unavailable.",
	"REFUND_IN_PROGRESS":            "The refund has been requested and it's being processed.",
	"UNKNOWN_ERROR":                 "The transfer status is unknown.",
	"COMPLETED":                     "The transfer is complete.",
	"PARTIAL":                       "The transfer was partially successful.",
	"REFUNDED":                      "The tokens were refunded to the sender address.",
	"NOT_PROCESSABLE_REFUND_NEEDED": "The transfer cannot be completed, a refund is required.",
}

// SubstatusMessage describes a settlement substatus, or returns "".
func SubstatusMessage(substatus string) string {
	return substatusMessages[substatus]
}
