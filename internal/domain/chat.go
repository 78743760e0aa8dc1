package domain

// Kind tags who produced a message, or that a submission failed.
type Kind string

const (
	KindUser   Kind = "user"
	KindSystem Kind = "system"
	KindError  Kind = "error"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindSystem, KindError:
		return true
	}
	return false
}
