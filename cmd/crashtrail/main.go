// Command crashtrail captures errors and inspects the local event store.
package main

import "github.com/armorclaw/crashtrail/internal/cli"

func main() {
	cli.Execute()
}
