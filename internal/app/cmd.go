package app

import (
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	// DATABASE_URL が必要。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示することを示す。
	CommandHelp Command = "help"
)

// commandDescriptions は使い方の表示順と説明。
var commandDescriptions = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "start the HTTP/WebSocket API server (default)"},
	{CommandMigrate, "apply database migrations (requires DATABASE_URL)"},
	{CommandHealthcheck, "request http://localhost:$SERVER_PORT/health and exit non-zero on failure"},
	{CommandHelp, "show this message"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "help", "-h", "--help":
		return CommandHelp
	default:
		return CommandServe
	}
}

// WriteUsage はサブコマンドの一覧をwに書き出す。
func WriteUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: breathwork [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commandDescriptions {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.desc)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "configuration is read from environment variables (see SERVER_PORT, DATABASE_URL, LOG_LEVEL).")
}
