package types

// Snapshot is the state an observer can reconstruct from a session's event sequence.
// The zero value is ready to use.
type Snapshot struct {
	SessionID string
	Content   string
	Phase     Phase
	State     SessionState
	Seq       uint64
	Pending   []string

	Final        FinalStatus
	FinalDetail  string
	ErrorMessage string
}

// Finalized reports whether the finalized event has been applied.
func (s *Snapshot) Finalized() bool {
	return s.Final != ""
}

// Data returns the snapshot as an event payload.
func (s *Snapshot) Data() SnapshotData {
	return SnapshotData{
		Content:      s.Content,
		Phase:        s.Phase,
		State:        s.State,
		Seq:          s.Seq,
		Final:        s.Final,
		FinalDetail:  s.FinalDetail,
		ErrorMessage: s.ErrorMessage,
	}
}

// Apply folds e into the snapshot. Events at or below the current Seq are ignored,
// which lets a subscriber apply a snapshot and then any overlapping live events.
func (s *Snapshot) Apply(e Event) {
	if e.Data == nil {
		return
	}
	if s.SessionID == "" {
		s.SessionID = e.SessionID
	}
	if snap, ok := e.Data.(SnapshotData); ok {
		if snap.Seq < s.Seq {
			return
		}
		s.Content = snap.Content
		s.Phase = snap.Phase
		s.State = snap.State
		s.Seq = snap.Seq
		if snap.Final != "" {
			s.Final = snap.Final
			s.FinalDetail = snap.FinalDetail
		}
		if snap.ErrorMessage != "" {
			s.ErrorMessage = snap.ErrorMessage
		}
		return
	}
	if e.Seq <= s.Seq {
		// finalized shares its seq with a snapshot taken after it.
		if d, ok := e.Data.(FinalizedData); ok && e.Seq == s.Seq && s.Final == "" {
			s.Final = d.Status
			s.FinalDetail = d.Detail
			s.State = StateFinalized
		}
		return
	}
	s.Seq = e.Seq

	switch d := e.Data.(type) {
	case StatusData:
		s.Phase = d.Phase
		s.State = SessionState(d.Phase)
	case DeltaData:
		s.Content += d.Text
	case ToolStartData:
		s.Pending = append(s.Pending, d.ToolName)
	case ToolResultData:
		for i, name := range s.Pending {
			if name == d.ToolName {
				s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)
				break
			}
		}
		s.Content += d.Fold
	case CompleteData:
		s.Content = d.FinalContent
	case ErrorData:
		s.ErrorMessage = d.Message
	case FinalizedData:
		s.Final = d.Status
		s.FinalDetail = d.Detail
		s.State = StateFinalized
	}
}

// Replay builds a snapshot from an ordered event sequence.
func Replay(events []Event) Snapshot {
	var s Snapshot
	for _, e := range events {
		s.Apply(e)
	}
	return s
}
