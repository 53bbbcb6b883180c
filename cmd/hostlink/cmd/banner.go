package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _               _   _ _       _    
 | |__   ___  ___| |_| (_)_ __ | | __
 | '_ \ / _ \/ __| __| | | '_ \| |/ /
 | | | | (_) \__ \ |_| | | | | |   < 
 |_| |_|\___/|___/\__|_|_|_| |_|_|\_\
`

func printBanner(w io.Writer, role string) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  %s - Version %s\x1b[0m\n\n", role, Version)
}
