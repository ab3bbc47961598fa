// Package device implements the control endpoint side of a USB 2.0 device.
//
// It is platform-agnostic and interacts with the peripheral via the
// [hal.Driver] interface defined in the [github.com/ardnew/gcpusb/device/hal]
// package.
//
// # Architecture
//
//   - [SetupPacket] decodes the 8-byte SETUP packet and its bmRequestType fields
//   - [Descriptors] holds the device, configuration, string, and optional
//     qualifier descriptors answered during enumeration
//   - [UsbEvent] is a bus event delivered from interrupt context
//   - [Control] is the control transfer state machine
//
// # Control Transfers
//
// [Control.DispatchEvent] consumes events one at a time. Standard requests
// (GET_DESCRIPTOR, SET_ADDRESS, SET/GET_CONFIGURATION, GET_STATUS,
// SET/CLEAR_FEATURE) are answered in place. Every other request is returned
// to the caller:
//
//   - immediately, if it has no host data stage
//   - once the data stage completes, with the data available from
//     [Control.Data]
//
// The state machine moves through these states:
//
//	Idle → Send → WaitForZlp → Idle
//	Idle → SetAddress → Idle
//	Idle → Complete → Idle
//	Idle → ReceiveHostData → FinishHostData → Idle
//	Idle → Stall → (next SETUP)
//
// Events that do not match the current state are logged as protocol errors
// and reset the machine to Idle.
//
// # Zero-Allocation Design
//
// Serialization uses MarshalTo(buf) and Parse functions with output
// parameters; the Control owns fixed buffers for responses and host data.
//
// # Example
//
//	ctrl := device.NewControl(0, descriptors)
//	if setup, ok := ctrl.DispatchEvent(drv, ev); ok {
//	    // vendor or class request, host data in ctrl.Data()
//	}
package device
