package main

import (
	"github.com/PeculiarLoop/m365-audit-kit/cmd"
)

func main() {
	cmd.Execute()
}
