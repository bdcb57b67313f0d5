package main

import (
	"fmt"
	"io"
	"os"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	if len(args) < 1 {
		printUsage(out)
		return 0
	}

	cmd := args[0]
	args = args[1:]

	var err error
	switch cmd {
	case "scan":
		err = scanCommand(args, out)
	case "status":
		err = statusCommand(args, out)
	case "boot":
		err = bootCommand(args, out)
	case "reset":
		err = resetCommand(args, out)
	case "stats":
		err = statsCommand(args, out)
	case "serve":
		err = serveCommand(args, out)
	case "version":
		printVersion(out)
	case "help", "--help", "-h":
		printUsage(out)
	default:
		fmt.Fprintf(out, "Unknown command: %s\n", cmd)
		printUsage(out)
		return 1
	}

	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "VPU link CLI")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage: vpulink <command> [options]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  scan              Scan for coprocessors")
	fmt.Fprintln(out, "  status            Show device mode and session state")
	fmt.Fprintln(out, "  boot <image>      Load an image or bundle from the boot ROM")
	fmt.Fprintln(out, "  reset             Return the device to its boot ROM")
	fmt.Fprintln(out, "  stats             Print session counters")
	fmt.Fprintln(out, "  serve             Attach and bridge a sub-channel over TCP")
	fmt.Fprintln(out, "  version           Print version information")
	fmt.Fprintln(out, "  help              Show this help")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Every device command accepts -config <path> and -device <pci address>.")
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "vpulink version %s\n", Version)
	fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Go version: %s\n", GoVersion)
}
