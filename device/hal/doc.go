// Package hal defines the hardware abstraction between the USB control
// stack and a device controller.
//
// Two capability sets are defined:
//
//   - [Driver] is what the control stack calls: connect, read and write
//     endpoints, prime, stall, set address. Every call returns
//     immediately.
//   - [Registers] is the register-level interface of one physical
//     controller: device core, SETUP FIFO, IN FIFO, OUT FIFO.
//
// [Controller] implements [Driver] once for any [Registers]
// implementation, so supporting another controller only requires its
// register accessors. Registers are wrapped in a [Peripheral] whose
// [Peripheral.Take] transfers ownership exactly once; constructing a
// second Controller for the same peripheral fails.
//
// Interrupts are reported as an [Interrupt] to an [InterruptHandler]
// running in interrupt context.
//
// An in-memory controller and host for tests and for exporting the
// device over the network are available in
// [github.com/ardnew/gcpusb/device/hal/sim].
package hal
