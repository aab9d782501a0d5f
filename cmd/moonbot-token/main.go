// Command moonbot-token prints the SHA-256 digest of a token for use in
// the auth.token_digests configuration list.
package main

import (
	"fmt"
	"os"

	"github.com/moonbotlabs/moonbot"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: moonbot-token <token>")
		os.Exit(2)
	}
	fmt.Println(moonbot.HashToken(os.Args[1]))
}
