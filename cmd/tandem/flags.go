package main

import "time"

// Flag structs decouple cobra from command logic for testing.

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	// Remote daemon connection
	APIURL     string
	APITimeout time.Duration
	Token      string
	Username   string
	Password   string
	CACert     string
	Insecure   bool
}

type StatusFlags struct {
	Output   string        // table, json or yaml
	Watch    bool          // re-render on state changes
	Interval time.Duration // liveness re-check period while watching
}

type UpdateFlags struct {
	Output string
}

type HistoryFlags struct {
	Limit  int
	Output string
}

type ServeFlags struct {
	StartAll bool // start services before accepting requests
	StopAll  bool // stop services on shutdown
}
