package app

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/hitoshi/cataclysm/internal/model"
)

// UserAdmin はcreateuserサブコマンドが使用するユーザー管理操作。
// user.Serviceが実装する。
type UserAdmin interface {
	CreateUser(ctx context.Context, email, name, password string, role model.Role) (*model.User, error)
	ResetPassword(ctx context.Context, email, password string) (*model.User, error)
}

// PasswordPrompt はパスワードを1つ読み取る関数。
type PasswordPrompt func() (string, error)

type createUserOptions struct {
	Email string
	Name  string
	Role  model.Role
	Reset bool
}

// parseCreateUserFlags はcreateuserサブコマンドの引数を解析する。
func parseCreateUserFlags(args []string, output io.Writer) (createUserOptions, error) {
	fs := flag.NewFlagSet("createuser", flag.ContinueOnError)
	fs.SetOutput(output)

	email := fs.String("email", "", "ログインに使用するメールアドレス（必須）")
	name := fs.String("name", "", "表示名")
	role := fs.String("role", string(model.RoleAuthor), "権限（admin または author）")
	reset := fs.Bool("reset", false, "既存ユーザーのパスワードを再設定する")

	if err := fs.Parse(args); err != nil {
		return createUserOptions{}, err
	}

	opts := createUserOptions{
		Email: strings.TrimSpace(*email),
		Name:  strings.TrimSpace(*name),
		Role:  model.Role(strings.ToLower(strings.TrimSpace(*role))),
		Reset: *reset,
	}
	if opts.Email == "" {
		return createUserOptions{}, errors.New("--email is required")
	}
	return opts, nil
}

// createUser はユーザーを作成、または--reset指定時にパスワードを再設定する。
func createUser(ctx context.Context, admin UserAdmin, opts createUserOptions, prompt PasswordPrompt, out io.Writer) error {
	password, err := prompt()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if opts.Reset {
		u, err := admin.ResetPassword(ctx, opts.Email, password)
		if err != nil {
			return fmt.Errorf("failed to reset password: %w", err)
		}
		fmt.Fprintf(out, "password updated: %s\n", u.Email)
		return nil
	}

	u, err := admin.CreateUser(ctx, opts.Email, opts.Name, password, opts.Role)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	fmt.Fprintf(out, "user created: %s (%s, id=%s)\n", u.Email, u.Role, u.ID)
	return nil
}

// stdinPassword は標準入力からパスワードを読み取るPasswordPromptを返す。
// 端末の場合はエコーなしで2回入力させ、一致を確認する。
// パイプの場合は最初の1行をそのまま使用する。
func stdinPassword(in *os.File, prompt io.Writer) PasswordPrompt {
	return func() (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return readPasswordLine(in)
		}

		fmt.Fprint(prompt, "Password: ")
		first, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}

		fmt.Fprint(prompt, "Confirm password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}

		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return string(first), nil
	}
}

// readPasswordLine は入力の最初の1行を改行を除いて返す。
func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
