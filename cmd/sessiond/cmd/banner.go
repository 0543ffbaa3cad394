package cmd

import (
	"fmt"
	"io"
)

const banner = `
 ┌─┐┌─┐┌─┐┌─┐┬┌─┐┌┐┌┌┬┐
 └─┐├┤ └─┐└─┐││ ││││ ││
 └─┘└─┘└─┘└─┘┴└─┘┘└┘─┴┘
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Session lifecycle and audit trail - Version %s\x1b[0m\n\n", Version)
}
