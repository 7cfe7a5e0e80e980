// Command theqrcode はQRコードのスキャン取り込みAPIとバックグラウンドワーカーを起動する。
//
// 使い方:
//
//	theqrcode [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/awilliams-2020/theqrcode-sub000/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
