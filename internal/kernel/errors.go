package kernel

import "fmt"

// ErrorKind classifies the disjoint failure kinds the kernel can
// raise: structural, lifecycle, type discipline, and resource errors
// all surface as one typed Error so callers can branch with
// errors.Is/errors.As instead of matching strings.
type ErrorKind int

const (
	// Structural
	KindInvalidBlock ErrorKind = iota
	KindInvalidPort
	KindInvalidConfig
	KindInvalidType
	KindInvalidBlockType
	KindInvalidPortType
	KindInvalidPortDir
	KindInvalidArg

	// Lifecycle
	KindWrongState
	KindNoSuchEntity
	KindAlreadyRegistered
	KindEntityExists

	// Type discipline
	KindTypeMismatch
	KindInvalidConfigLen

	// Resource
	KindOutOfMem
	KindLinkError
	KindMissingInitSymbol
	KindModuleInitFailed
)

var kindNames = map[ErrorKind]string{
	KindInvalidBlock:      "InvalidBlock",
	KindInvalidPort:       "InvalidPort",
	KindInvalidConfig:     "InvalidConfig",
	KindInvalidType:       "InvalidType",
	KindInvalidBlockType:  "InvalidBlockType",
	KindInvalidPortType:   "InvalidPortType",
	KindInvalidPortDir:    "InvalidPortDir",
	KindInvalidArg:        "InvalidArg",
	KindWrongState:        "WrongState",
	KindNoSuchEntity:      "NoSuchEntity",
	KindAlreadyRegistered: "AlreadyRegistered",
	KindEntityExists:      "EntityExists",
	KindTypeMismatch:      "TypeMismatch",
	KindInvalidConfigLen:  "InvalidConfigLen",
	KindOutOfMem:          "OutOfMem",
	KindLinkError:         "LinkError",
	KindMissingInitSymbol: "MissingInitSymbol",
	KindModuleInitFailed:  "ModuleInitFailed",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Error is the structured failure value returned by every lifecycle
// and structural operation in the kernel.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, optionally wrapping a lower-level cause.
func newErr(op string, kind ErrorKind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// Is lets errors.Is(err, kernel.ErrWrongState) work by comparing kinds
// when the target is itself a bare *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf reports the ErrorKind of err, and ok=false if err is nil or not
// a *Error produced by this package.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if err == nil {
		return 0, false
	}
	if as, ok := err.(*Error); ok {
		e = as
		return e.Kind, true
	}
	return 0, false
}

// Sentinel kind markers for errors.Is comparisons, e.g.
// errors.Is(err, kernel.ErrWrongState).
var (
	ErrWrongState   = &Error{Kind: KindWrongState}
	ErrNoSuchEntity = &Error{Kind: KindNoSuchEntity}
	ErrEntityExists = &Error{Kind: KindEntityExists}
	ErrTypeMismatch = &Error{Kind: KindTypeMismatch}
)

// hotPathCondition is distinct from Error: a hard line separates
// structured failures (Error/ErrorKind above) and hot-path conditions
// like NoData/Overrun/Dropped, which are normal outcomes a caller
// checks for, not faults to log. Keeping them a separate type stops
// them from ever being mistaken for one of the Kind values.
type hotPathCondition string

func (h hotPathCondition) Error() string { return string(h) }

// ErrNoData is the hot-path condition (not a structural error) returned
// by Port.ReadIn when no active binding yields a sample.
var ErrNoData = hotPathCondition("no data")
