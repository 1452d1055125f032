// Command relayd runs the STUN/TURN server, WAF signaling registry, and
// HTTP tunnel described by the internal/cli package.
package main

import "github.com/relaymesh/relayd/internal/cli"

func main() {
	cli.Execute()
}
