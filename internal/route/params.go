package route

// ProcessParams is a closed set of payloads that may be merged onto a
// process together with a status update.
type ProcessParams interface {
	applyTo(p *Process)
}

// TxParams records the transaction currently tracked by a process.
type TxParams struct {
	TxHash string
	TxLink string
}

func (t TxParams) applyTo(p *Process) {
	if t.TxHash != "" {
		p.TxHash = t.TxHash
	}
	if t.TxLink != "" {
		p.TxLink = t.TxLink
	}
}

// MultisigParams records the multisig service's internal transaction id.
type MultisigParams struct {
	MultisigTxHash string
}

func (m MultisigParams) applyTo(p *Process) {
	p.MultisigTxHash = m.MultisigTxHash
}

// SubstatusParams carries settlement progress reported by the status service.
type SubstatusParams struct {
	Substatus string
	Message   string
}

func (s SubstatusParams) applyTo(p *Process) {
	p.Substatus = s.Substatus
	p.SubstatusMessage = s.Message
}

// FailureParams attaches a structured error.
type FailureParams struct {
	Error ProcessError
}

func (f FailureParams) applyTo(p *Process) {
	e := f.Error
	p.Error = &e
}

// MessageParams overrides the generated status message.
type MessageParams struct {
	Message string
}

func (m MessageParams) applyTo(p *Process) {
	p.Message = m.Message
}

// Apply merges params onto p in order.
func (p *Process) Apply(params ...ProcessParams) {
	for _, param := range params {
		if param != nil {
			param.applyTo(p)
		}
	}
}
