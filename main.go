package main

import (
	"runtime/debug"

	"github.com/codexadarsh/edumentor-fullstack/cmd"
)

// version info injected via ldflags:
// go build -ldflags "-X main.version=0.1.0 -X main.commit=abc123 -X main.date=2026-10-18"
var (
	version = "0.1.0"
	commit  = "none"
	date    = "unknown"
)

// Fill commit and date from the Go build info (vcs.*) when ldflags left them unset.
func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && commit == "none" && len(s.Value) >= 7:
			commit = s.Value[:7]
		case s.Key == "vcs.time" && date == "unknown":
			date = s.Value
		}
	}
}

func main() {
	cmd.Execute(version, commit, date)
}
