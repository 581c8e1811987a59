package bundle

import "github.com/meigma/iwabundle/bundleid"

// Event is emitted by a reader while it opens a bundle.
type Event interface {
	event()
}

// IntegrityBlockRead is emitted once the integrity block has been parsed.
// The reader does not continue until Resume has been called exactly once.
type IntegrityBlockRead struct {
	PublicKeys []bundleid.PublicKey
	Resume     func(Action)
}

// MetadataRead is emitted exactly once, after the metadata has been parsed
// or opening failed. Err is nil on success and an *OpenError otherwise.
type MetadataRead struct {
	Err error
}

func (IntegrityBlockRead) event() {}
func (MetadataRead) event()       {}

// ActionKind tells a reader how to continue after its integrity block was read.
type ActionKind uint8

const (
	ActionAbort ActionKind = iota
	ActionContinueAndVerify
	ActionContinueAndSkipVerify
)

func (k ActionKind) String() string {
	switch k {
	case ActionAbort:
		return "abort"
	case ActionContinueAndVerify:
		return "continue-and-verify"
	case ActionContinueAndSkipVerify:
		return "continue-and-skip-verify"
	default:
		return "unknown"
	}
}

// Action is the verdict handed back to a reader through Resume.
type Action struct {
	Kind    ActionKind
	Message string
}

// Abort stops opening the bundle. The message surfaces in the
// AbortedByCaller error of the following MetadataRead.
func Abort(message string) Action {
	return Action{Kind: ActionAbort, Message: message}
}

// ContinueAndVerify continues opening and checks the signature stack.
func ContinueAndVerify() Action {
	return Action{Kind: ActionContinueAndVerify}
}

// ContinueAndSkipVerify continues opening without checking signatures.
func ContinueAndSkipVerify() Action {
	return Action{Kind: ActionContinueAndSkipVerify}
}
