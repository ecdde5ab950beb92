// 管理者API用のJWTを発行するコマンド。
// ADMIN_JWT_SECRET で署名したトークンを標準出力に書き出す。
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nao1215/tollgate/pkg/config"
	"github.com/nao1215/tollgate/pkg/logging"
	"github.com/nao1215/tollgate/pkg/middleware"
)

func main() {
	subject := flag.String("subject", "admin", "トークンのsubject（付与イベントのgranted_byに記録される）")
	ttl := flag.Duration("ttl", time.Hour, "トークンの有効期間")
	flag.Parse()

	logger := logging.New()
	config.LoadEnv(logger)

	secret := config.GetEnv("ADMIN_JWT_SECRET", "")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_JWT_SECRETが設定されていません")
		os.Exit(1)
	}

	token, err := middleware.GenerateAdminJWT(secret, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "トークンの発行に失敗: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
