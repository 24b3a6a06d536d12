// Command fastman はAPIサーバーとバックグラウンドワーカーのエントリポイント。
// サブコマンド: serve（デフォルト）、worker、migrate、healthcheck。
package main

import (
	"fmt"
	"os"

	// distrolessイメージにはtzdataが含まれないため、タイムゾーンDBをバイナリに埋め込む。
	// identityサービスのIANAタイムゾーン検証に必要。
	_ "time/tzdata"

	"github.com/hitoshi/fastman/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fastman: %v\n", err)
		os.Exit(1)
	}
}
