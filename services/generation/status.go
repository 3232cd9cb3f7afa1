package generation

// Status is the canonical lifecycle state of a content task. The provider's
// raw encodings are translated into it before anything is persisted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"

	// StatusMixed is only ever derived for a generation whose children ended
	// in a combination the derivation rule does not name.
	StatusMixed Status = "mixed"
)

// ActiveStatuses are the states a reconciliation pass may still move.
var ActiveStatuses = []Status{StatusPending, StatusProcessing}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses so a later observation never moves a record backwards.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	default:
		return 2
	}
}

// Supersedes reports whether moving from current to s is a forward transition.
func (s Status) Supersedes(current Status) bool {
	if current.IsTerminal() {
		return false
	}
	return s.rank() > current.rank()
}

// Mode is the kind of generation request. It is fixed at creation.
type Mode string

const (
	ModeTextToSong   Mode = "text_to_song"
	ModeLyricsToSong Mode = "lyrics_to_song"
	ModeInstrumental Mode = "instrumental"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeTextToSong, ModeLyricsToSong, ModeInstrumental:
		return true
	}
	return false
}

// DeriveStatus computes a generation's status from its children. Children
// that were expected but not yet recorded count as pending.
//
//	any failed             -> failed
//	any pending/processing -> processing
//	all completed          -> completed
//	all cancelled          -> cancelled
//	otherwise              -> mixed
//
// The all-cancelled row extends the base failed/processing/completed/mixed
// rule: a generation whose every task was cancelled reports cancelled rather
// than mixed.
func DeriveStatus(children []Status, expected int) Status {
	if len(children) == 0 && expected <= 0 {
		return StatusPending
	}

	var failed, active, completed, cancelled int
	for _, s := range children {
		switch s {
		case StatusFailed:
			failed++
		case StatusPending, StatusProcessing:
			active++
		case StatusCompleted:
			completed++
		case StatusCancelled:
			cancelled++
		}
	}
	if missing := expected - len(children); missing > 0 {
		active += missing
	}

	total := len(children)
	if expected > total {
		total = expected
	}

	switch {
	case failed > 0:
		return StatusFailed
	case active > 0:
		return StatusProcessing
	case completed == total:
		return StatusCompleted
	case cancelled == total:
		return StatusCancelled
	default:
		return StatusMixed
	}
}
