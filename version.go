package main

import (
	"fmt"

	"github.com/kentik/kentik-image-cache/internal/version"
)

func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
