package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"governance-gateway/internal/grpcclient"
	"governance-gateway/internal/platform/config"
)

const usageText = `用法: admin_client [flags] <command> [args]

commands:
  list                                  列出所有使用者的憑證狀態
  override-set <user_id> <reason> [expires_at RFC3339]
  override-remove <user_id>
  export [start YYYY-MM-DD] [end YYYY-MM-DD]
  set-role <user_id> <role>
`

func main() {
	addr := flag.String("addr", "localhost:8081", "gRPC 管理服務地址")
	adminID := flag.String("admin-id", "", "開發模式的管理員 ID（JWT 未啟用時）")
	useTLS := flag.Bool("tls", false, "使用 TLS 連接")
	caFile := flag.String("ca", "", "CA 憑證檔案")
	notify := flag.Bool("notify", false, "override-set 時通知使用者")
	timeout := flag.Duration("timeout", 10*time.Second, "單次呼叫時限")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conn, err := grpcclient.Dial(*addr, config.TLSConfig{Enabled: *useTLS, CAFile: *caFile})
	if err != nil {
		log.Fatalf("連接失敗: %v", err)
	}
	defer conn.Close()

	// bearer token 從環境變數讀取，避免出現在 shell 歷史
	client := grpcclient.NewAdminClient(conn, grpcclient.Credentials{
		Token:   os.Getenv("ADMIN_TOKEN"),
		AdminID: *adminID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := run(ctx, client, args, *notify)
	if err != nil {
		log.Fatalf("%s 失敗: %v", args[0], err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("輸出失敗: %v", err)
	}
}

// run 執行單一子命令
func run(ctx context.Context, client *grpcclient.AdminClient, args []string, notify bool) (interface{}, error) {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch args[0] {
	case "list":
		return client.ListCredentialStatus(ctx)
	case "override-set":
		if len(args) < 3 {
			return nil, fmt.Errorf("需要 user_id 與 reason")
		}
		return client.SetOverride(ctx, args[1], args[2], arg(3), notify)
	case "override-remove":
		if len(args) < 2 {
			return nil, fmt.Errorf("需要 user_id")
		}
		removed, err := client.RemoveOverride(ctx, args[1])
		return map[string]bool{"removed": removed}, err
	case "export":
		return client.ExportUsage(ctx, arg(1), arg(2))
	case "set-role":
		if len(args) < 3 {
			return nil, fmt.Errorf("需要 user_id 與 role")
		}
		return client.SetRole(ctx, args[1], args[2])
	default:
		return nil, fmt.Errorf("未知的命令 %q", args[0])
	}
}
