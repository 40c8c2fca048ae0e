// Command breathwork は瞑想セッションの呼吸解析サーバーを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/breathwork/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "breathwork: %v\n", err)
		os.Exit(1)
	}
}
