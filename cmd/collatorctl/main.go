package main

import (
	"os"

	"github.com/fuomag9/comments-collator/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
