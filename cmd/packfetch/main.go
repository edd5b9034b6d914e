// Command packfetch downloads, verifies and mounts asset packs.
package main

import "github.com/packfetch/packfetch/internal/cli"

func main() {
	cli.Execute()
}
