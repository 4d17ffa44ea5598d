// Command digestcast はダイジェスト配信サービスのAPIサーバー・ワーカー・運用コマンドを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/digestcast/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "digestcast: %v\n", err)
		os.Exit(1)
	}
}
