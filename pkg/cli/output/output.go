// Package output holds senpukictl's terminal rendering: colored status
// lines and a fixed-width table, in the shape of the teacher's
// pkg/cli/output package.
package output

import (
	"encoding/json"
	"os"

	"github.com/fatih/color"
)

// PrintJSON writes data to stdout as indented JSON, for --json output.
func PrintJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// PrintJSONString renders data as an indented JSON string without
// writing it anywhere, for callers composing output themselves.
func PrintJSONString(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func Success(format string, args ...any) {
	color.New(color.FgGreen, color.Bold).Printf(format+"\n", args...)
}

func Error(format string, args ...any) {
	color.New(color.FgRed, color.Bold).Printf(format+"\n", args...)
}

func Info(format string, args ...any) {
	color.New(color.FgCyan).Printf(format+"\n", args...)
}

func Warning(format string, args ...any) {
	color.New(color.FgYellow).Printf(format+"\n", args...)
}
