package transport

// State is the lifecycle state of a Connection.
//
//	INIT ──connect/accept──► WAITING_HELLO ──Hello / handshake FINISH──► ACTIVE
//	ACTIVE ──Close()──► CLOSE ──nothing in flight, Bye sent──► CLOSING
//	ACTIVE/CLOSE/CLOSING ──Bye / EOF──► CLOSED
//	any ──bad input, auth failure, timeout──► ERROR
type State int32

const (
	StateInit State = iota
	StateWaitingHello
	StateActive
	StateClose
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaitingHello:
		return "WAITING_HELLO"
	case StateActive:
		return "ACTIVE"
	case StateClose:
		return "CLOSE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Terminal reports whether the connection is gone for good.
func (s State) Terminal() bool {
	return s >= StateClosed
}

// Usable reports whether new outbound quests are accepted.
func (s State) Usable() bool {
	return s <= StateActive
}
