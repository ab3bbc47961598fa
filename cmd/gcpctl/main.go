// Command gcpctl talks to GCP devices from the host, over libusb or a
// USB/IP server.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	flag "github.com/spf13/pflag"

	"github.com/ardnew/gcpusb/device/class/gcp"
	"github.com/ardnew/gcpusb/host"
	"github.com/ardnew/gcpusb/pkg"
	"github.com/ardnew/gcpusb/usbip"
)

const usage = `usage: gcpctl [flags] <command> [args]

commands:
  list                      list USB devices, or only vid:pid with --match
  info                      print the board information of the device
  classes                   list the command classes and verbs of the device
  exec <class> <verb> [hex] execute a command and print the response as hex
  claim <interface>         release the control port to the on-board debugger
  remote                    list the devices exported by a USB/IP server

flags:
`

type options struct {
	vid, pid uint16
	match    bool
	timeout  time.Duration
	target   usbip.Target
	debug    int
}

func parseID(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "usb id %q", s)
	}
	return uint16(n), nil
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	fs := flag.NewFlagSet("gcpctl", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	vid := fs.String("vid", "1d50", "USB vendor ID of the device, in hex.")
	pid := fs.String("pid", "615b", "USB product ID of the device, in hex.")
	match := fs.Bool("match", false, "Only list devices matching --vid and --pid.")
	timeout := fs.Duration("timeout", time.Second, "Control transfer timeout.")
	remote := fs.String("target", fmt.Sprintf("localhost:%d", usbip.DefaultPort), "USB/IP server for the remote command.")
	logLevel := fs.String("log-level", pkg.LogLevelWarn, fmt.Sprintf("Log level to use. Possible values: %s", pkg.AvailableLogLevels))
	debug := fs.Int("debug", 0, "libusb debug level (0..3).")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := pkg.SetLogLevel(*logLevel); err != nil {
		return nil, nil, err
	}

	opts := &options{match: *match, timeout: *timeout, debug: *debug}
	var err error
	if opts.vid, err = parseID(*vid); err != nil {
		return nil, nil, err
	}
	if opts.pid, err = parseID(*pid); err != nil {
		return nil, nil, err
	}
	hostPart, portPart, ok := strings.Cut(*remote, ":")
	if !ok {
		portPart = strconv.Itoa(usbip.DefaultPort)
	}
	port, err := strconv.Atoi(portPart)
	if err != nil {
		return nil, nil, errors.Wrapf(pkg.ErrInvalidParameter, "target %q", *remote)
	}
	opts.target = usbip.Target{Host: hostPart, Port: port}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, nil, errors.New("no command given")
	}
	return opts, fs.Args(), nil
}

// parseCommand parses the class, verb and optional hex argument bytes of
// the exec command. Class and verb accept any Go integer literal.
func parseCommand(args []string) (gcp.ClassID, uint32, []byte, error) {
	if len(args) < 2 || len(args) > 3 {
		return 0, 0, nil, errors.Wrap(pkg.ErrInvalidParameter, "exec takes <class> <verb> [hex-args]")
	}
	class, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return 0, 0, nil, errors.Wrapf(pkg.ErrInvalidParameter, "class %q", args[0])
	}
	verb, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return 0, 0, nil, errors.Wrapf(pkg.ErrInvalidParameter, "verb %q", args[1])
	}
	var data []byte
	if len(args) == 3 {
		data, err = hex.DecodeString(strings.TrimPrefix(args[2], "0x"))
		if err != nil {
			return 0, 0, nil, errors.Wrapf(pkg.ErrInvalidParameter, "args %q", args[2])
		}
	}
	return gcp.ClassID(class), uint32(verb), data, nil
}

func printInfo(w io.Writer, c *host.Client) error {
	info, err := c.BoardInformation()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "board id:      %#x\n", info.BoardID)
	fmt.Fprintf(w, "version:       %s\n", info.VersionString)
	fmt.Fprintf(w, "part id:       %x\n", info.PartID)
	fmt.Fprintf(w, "serial number: %x\n", info.SerialNumber)
	return nil
}

func printClasses(w io.Writer, c *host.Client) error {
	classes, err := c.Classes()
	if err != nil {
		return err
	}
	for _, class := range classes {
		name, err := c.ClassName(class)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%#x %s\n", uint32(class), name)
		verbs, err := c.Verbs(class)
		if err != nil {
			return err
		}
		for _, verb := range verbs {
			vname, err := c.VerbName(class, verb)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %#x %s\n", verb, vname)
		}
	}
	return nil
}

func execCommand(w io.Writer, c *host.Client, args []string) error {
	class, verb, data, err := parseCommand(args)
	if err != nil {
		return err
	}
	resp, err := c.Execute(class, verb, data)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, hex.EncodeToString(resp))
	return nil
}

func claim(c *host.Client, args []string) error {
	if len(args) != 1 {
		return errors.Wrap(pkg.ErrInvalidParameter, "claim takes <interface>")
	}
	iface, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return errors.Wrapf(pkg.ErrInvalidParameter, "interface %q", args[0])
	}
	return c.ClaimInterface(uint16(iface))
}

func listRemote(w io.Writer, target usbip.Target) error {
	conn, err := target.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	devices, err := conn.ListRequest()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}

func listLocal(w io.Writer, ctx *gousb.Context, opts *options) error {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if opts.match && (uint16(desc.Vendor) != opts.vid || uint16(desc.Product) != opts.pid) {
			return false
		}
		fmt.Fprintf(w, "%03d:%03d %s:%s %s\n", desc.Bus, desc.Address, desc.Vendor, desc.Product, usbid.Describe(desc))
		fmt.Fprintf(w, "  Protocol: %s\n", usbid.Classify(desc))
		return false
	})
	for _, d := range devs {
		_ = d.Close()
	}
	return err
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main(args []string, stdout, stderr io.Writer) error {
	opts, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cmd, cmdArgs := rest[0], rest[1:]

	if cmd == "remote" {
		return listRemote(stdout, opts.target)
	}

	ctx := gousb.NewContext()
	defer ctx.Close()
	ctx.Debug(opts.debug)

	if cmd == "list" {
		return listLocal(stdout, ctx, opts)
	}

	dev, err := openDevice(ctx, opts.vid, opts.pid, opts.timeout)
	if err != nil {
		return err
	}
	defer dev.Close()
	client := host.NewClient(usbTransport{dev: dev})

	switch cmd {
	case "info":
		return printInfo(stdout, client)
	case "classes":
		return printClasses(stdout, client)
	case "exec":
		return execCommand(stdout, client, cmdArgs)
	case "claim":
		return claim(client, cmdArgs)
	default:
		return errors.Newf("unknown command %q", cmd)
	}
}

func main() {
	if err := Main(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var ce *gcp.CommandError
		if errors.As(err, &ce) {
			_, _ = fmt.Fprintf(os.Stderr, "Command failed: %v\n", ce)
			os.Exit(2)
		}
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
