package hal

// Registers is the register-level capability set of one physical USB
// device controller: the device core plus its SETUP, IN and OUT FIFO
// interfaces. A Controller drives any implementation of it.
type Registers interface {
	// Device core.
	SetConnect(connected bool)
	SetSpeed(speed Speed)
	SetAddress(address uint8)
	SetEventsEnabled(enabled bool)

	// SETUP FIFO.
	SetupReset()
	SetupHave() bool
	SetupPop() byte

	// IN FIFO.
	InReset()
	InPush(b byte)
	InSend(ep uint8)
	InIdle() bool
	InStall(ep uint8, stalled bool)
	InResetPID(ep uint8)

	// OUT FIFO.
	OutReset()
	OutPrime(ep uint8)
	OutStall(ep uint8, stalled bool)
	OutHave() bool
	OutPop() byte
	OutResetPID(ep uint8)
}
