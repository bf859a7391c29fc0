package repository

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

// リポジトリが返す分類済みエラー
var (
	// ErrDuplicateEmail はusers.emailの一意制約違反。
	ErrDuplicateEmail = errors.New("email already exists")
	// ErrDuplicateSlug はcategories.slugの一意制約違反。
	ErrDuplicateSlug = errors.New("slug already exists")
	// ErrInvalidReference は存在しない行を参照する外部キー違反。
	ErrInvalidReference = errors.New("referenced row does not exist")
	// ErrNotFound は更新・削除対象の行が存在しない。
	ErrNotFound = errors.New("row not found")
)

// classifyError はPostgreSQLのエラーコードを分類済みエラーに変換する。
// 分類できないエラーはそのまま返す。
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch string(pqErr.Code) {
	case pgerrcode.UniqueViolation:
		switch {
		case strings.Contains(pqErr.Constraint, "email"):
			return ErrDuplicateEmail
		case strings.Contains(pqErr.Constraint, "slug"):
			return ErrDuplicateSlug
		}
	case pgerrcode.ForeignKeyViolation:
		return ErrInvalidReference
	}
	return err
}

// checkAffected は更新・削除で対象行が存在したかを確認する。
func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// escapeLike はLIKEパターンのワイルドカード文字をエスケープする。
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
