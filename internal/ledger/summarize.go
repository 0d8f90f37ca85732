package ledger

// Summary condenses one ledger file: per-type entry counts plus action
// tallies recovered from the event payloads. It is computed from the file
// alone, so it works on archived ledgers whose session is long gone.
type Summary struct {
	SessionID string         `json:"sessionId"`
	Path      string         `json:"path"`
	Entries   int            `json:"entries"`
	FirstTS   string         `json:"firstTs,omitempty"`
	LastTS    string         `json:"lastTs,omitempty"`
	Events    map[string]int `json:"events"`
	Actions   ActionTally    `json:"actions"`
	Tools     map[string]int `json:"tools"`

	Terminated        bool   `json:"terminated"`
	TerminationReason string `json:"terminationReason,omitempty"`
}

// ActionTally counts evaluated actions by final verdict. An action that was
// re-evaluated after a policy change appears once, under its last verdict.
type ActionTally struct {
	Evaluated int `json:"evaluated"`
	Allowed   int `json:"allowed"`
	Denied    int `json:"denied"`
	Gated     int `json:"gated"`
	Results   int `json:"results"`
	Failures  int `json:"failures"`
	Rollbacks int `json:"rollbacks"`
}

// Summarize reads a ledger file and derives its summary. Malformed files
// error the same way ReadAll does; summarization does not verify the hash
// chain.
func Summarize(path string) (*Summary, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Path:   path,
		Events: make(map[string]int),
		Tools:  make(map[string]int),
	}

	type lastEval struct {
		tool    string
		verdict string
	}
	evals := make(map[string]*lastEval)
	var order []string

	for i := range entries {
		e := &entries[i]
		if s.SessionID == "" {
			s.SessionID = e.SessionID
		}
		if s.FirstTS == "" {
			s.FirstTS = e.TS
		}
		s.LastTS = e.TS
		s.Entries++
		s.Events[string(e.Type)]++

		switch e.Type {
		case EventActionEvaluate:
			var data struct {
				ActionID string `json:"actionId"`
				Tool     string `json:"tool"`
				Verdict  string `json:"verdict"`
			}
			if err := e.DecodeData(&data); err != nil || data.ActionID == "" {
				continue
			}
			le, ok := evals[data.ActionID]
			if !ok {
				le = &lastEval{}
				evals[data.ActionID] = le
				order = append(order, data.ActionID)
			}
			le.tool = data.Tool
			le.verdict = data.Verdict

		case EventActionResult:
			var data struct {
				Success bool `json:"success"`
			}
			_ = e.DecodeData(&data)
			s.Actions.Results++
			if !data.Success {
				s.Actions.Failures++
			}

		case EventActionRollback:
			s.Actions.Rollbacks++

		case EventSessionTerminate:
			var data struct {
				Reason string `json:"reason"`
			}
			_ = e.DecodeData(&data)
			s.Terminated = true
			s.TerminationReason = data.Reason
		}
	}

	for _, id := range order {
		le := evals[id]
		s.Actions.Evaluated++
		switch le.verdict {
		case "allow":
			s.Actions.Allowed++
		case "deny":
			s.Actions.Denied++
		case "gate":
			s.Actions.Gated++
		}
		if le.tool != "" {
			s.Tools[le.tool]++
		}
	}

	return s, nil
}
