// Command senpukictl is the operator CLI for a Senpuki durable-function
// backend: inspecting executions, replaying dead letters, watching a
// run to completion, and checking a deployment's config file.
package main

import "github.com/senpuki/senpuki/pkg/cli/cmd"

func main() {
	cmd.Execute()
}
