package cmd

import (
	"fmt"
)

const banner = `
      _            _                 _    _
   __| | _____   _(_) ___ ___ _ __ | | _(_)
  / _` + "`" + ` |/ _ \ \ / / |/ __/ _ \ '_ \| |/ / |
 | (_| |  __/\ V /| | (_|  __/ |_) |   <| |
  \__,_|\___| \_/ |_|\___\___| .__/|_|\_\_|
                             |_|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Device PKI Service - Version %s\x1b[0m\n\n", Version)
}
