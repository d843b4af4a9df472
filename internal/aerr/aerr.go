// Package aerr defines Aurora's closed syscall return-code enum.
//
// Modeled on biscuit's defs.Err_t: a flat integer enum instead of Go's
// idiomatic error interface, because these codes cross the syscall ABI
// boundary into user space as plain register values (spec.md §6) and
// must stay a small closed set (spec.md §7).
package aerr

// Code is a syscall result code. Positive-ish "Ok*" codes are success
// variants carrying extra meaning (timeout, unreachable peer, obscured
// by a side-channel guard); everything else is a failure.
type Code int

const (
	Ok Code = iota
	OkTimeout
	OkUnreach
	Obscured
	InvlSyscall
	InvlId
	InvlPerm
	InvlWeak
	InvlArgs
	InvlOp
	InvlVirtAddr
	InvlAlign
	InvlMemZone
	OutOfMem
	Interrupted
	Unknown
)

var names = [...]string{
	Ok:           "Ok",
	OkTimeout:    "OkTimeout",
	OkUnreach:    "OkUnreach",
	Obscured:     "Obscured",
	InvlSyscall:  "InvlSyscall",
	InvlId:       "InvlId",
	InvlPerm:     "InvlPerm",
	InvlWeak:     "InvlWeak",
	InvlArgs:     "InvlArgs",
	InvlOp:       "InvlOp",
	InvlVirtAddr: "InvlVirtAddr",
	InvlAlign:    "InvlAlign",
	InvlMemZone:  "InvlMemZone",
	OutOfMem:     "OutOfMem",
	Interrupted:  "Interrupted",
	Unknown:      "Unknown",
}

func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(names) {
		return "InvlCode"
	}
	return names[c]
}

// IsOk reports whether c represents success, including the non-Ok
// success variants (OkTimeout, OkUnreach, Obscured).
func (c Code) IsOk() bool {
	switch c {
	case Ok, OkTimeout, OkUnreach, Obscured:
		return true
	default:
		return false
	}
}
