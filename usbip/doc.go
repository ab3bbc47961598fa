// Package usbip exports simulated GCP devices over the USB/IP protocol and
// provides a minimal client for it.
//
// A [Server] answers OP_REQ_DEVLIST and OP_REQ_IMPORT. Once a device is
// imported the connection carries CMD_SUBMIT and CMD_UNLINK messages; only
// control transfers on endpoint 0 are executed, through the device's
// [github.com/ardnew/gcpusb/host.Transport]. Transfers on any other
// endpoint complete with -EPIPE.
//
// All integers on the wire are big-endian.
package usbip
