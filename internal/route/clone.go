package route

// Clone returns a deep copy of the route.
func (r Route) Clone() Route {
	out := r
	if r.Steps != nil {
		out.Steps = make([]Step, len(r.Steps))
		for i := range r.Steps {
			out.Steps[i] = r.Steps[i].Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	if s.TransactionRequest != nil {
		tx := *s.TransactionRequest
		out.TransactionRequest = &tx
	}
	if s.Execution != nil {
		exec := s.Execution.Clone()
		out.Execution = &exec
	}
	return out
}

// Clone returns a deep copy of the execution.
func (e Execution) Clone() Execution {
	out := e
	if e.Process != nil {
		out.Process = make([]Process, len(e.Process))
		for i := range e.Process {
			out.Process[i] = e.Process[i].Clone()
		}
	}
	if e.ToToken != nil {
		tok := *e.ToToken
		out.ToToken = &tok
	}
	return out
}

// Clone returns a deep copy of the process.
func (p Process) Clone() Process {
	out := p
	if p.Error != nil {
		perr := *p.Error
		out.Error = &perr
	}
	return out
}
