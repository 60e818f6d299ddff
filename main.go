// The main package for the courtwatch executable.
package main

import (
	"github.com/minyong318-png/search-tennis-cloudflared/cmd"
)

func main() {
	cmd.Execute()
}
