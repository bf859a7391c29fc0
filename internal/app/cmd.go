package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモード（期限切れセッションの削除）で起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandCreateUser はパスワードログイン用のユーザーを作成することを示す。
	CommandCreateUser Command = "createuser"
)

// commands はサポートするサブコマンドの一覧。
var commands = []Command{
	CommandServe,
	CommandWorker,
	CommandMigrate,
	CommandHealthcheck,
	CommandCreateUser,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	for _, cmd := range commands {
		if args[0] == string(cmd) {
			return cmd
		}
	}
	return CommandServe
}
