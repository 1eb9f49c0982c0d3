package main

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func getVersionString() string {
	var details []string

	buildInfo, ok := debug.ReadBuildInfo()
	if ok {
		details = append(details, fmt.Sprintf("go: %s", buildInfo.GoVersion))
		revision, modified := "", false
		for _, setting := range buildInfo.Settings {
			switch setting.Key {
			case "vcs.revision":
				revision = setting.Value
			case "vcs.time":
				if date == "" {
					date = setting.Value
				}
			case "vcs.modified":
				modified = setting.Value == "true"
			}
		}
		if commit == "" && revision != "" {
			commit = revision
			if modified {
				commit += "-dirty"
			}
		}
	}
	if commit != "" {
		details = append(details, fmt.Sprintf("commit: %s", commit))
	}
	if date != "" {
		details = append(details, fmt.Sprintf("built: %s", date))
	}
	if len(details) == 0 {
		return version
	}
	return fmt.Sprintf("%s (%s)", version, strings.Join(details, ", "))
}
