// Package host talks to a GCP device from the USB host side.
//
// A [Transport] performs control transfers on the device's default
// endpoint. *gousb.Device and *sim.Host both satisfy it; adapters may map
// their stall errors onto pkg.ErrStall.
//
// [Client] runs commands through the submit, fetch and abort phases and
// wraps the core class verbs. [Enumerate] reads the standard descriptors.
package host
