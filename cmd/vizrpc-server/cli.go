package main

import (
	"flag"
	"io"
)

// Options holds CLI options for the server.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	Verbose    bool

	hostSet bool
	portSet bool
}

// ParseFlags parses CLI flags from args. -H/-host and -P/-port override the
// config file only when given.
func ParseFlags(args []string, stderr io.Writer) (Options, error) {
	fs := flag.NewFlagSet("vizrpc-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to TOML config file")
	fs.StringVar(&opts.Host, "host", "localhost", "Host to bind")
	fs.StringVar(&opts.Host, "H", "localhost", "Host to bind (shorthand)")
	fs.IntVar(&opts.Port, "port", 4014, "Port to bind")
	fs.IntVar(&opts.Port, "P", 4014, "Port to bind (shorthand)")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host", "H":
			opts.hostSet = true
		case "port", "P":
			opts.portSet = true
		}
	})
	return opts, nil
}
