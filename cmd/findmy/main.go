// Command findmy logs in to an Apple account and prints location reports for configured accessories.
package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: findmy <command> [flags]

commands:
  login    log in and store the session
  reports  print location reports for the configured accessories
  logout   forget a stored session
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "login":
		err = runLogin(os.Args[2:], os.Stdin, os.Stdout, os.Stderr)
	case "reports":
		err = runReports(os.Args[2:], os.Stdout)
	case "logout":
		err = runLogout(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
