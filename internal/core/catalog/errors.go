package catalog

import "errors"

var (
	// ErrNotFound は ID / 型名に一致するレコードがない場合のエラー
	ErrNotFound = errors.New("not found")

	// ErrSchemaConflict は既存の型名でスキーマを作成・更新しようとした場合のエラー
	ErrSchemaConflict = errors.New("schema type already exists")

	// ErrInvalidInput は入力値が不正な場合のエラー
	ErrInvalidInput = errors.New("invalid input")

	// ErrIndexOutOfSync はリレーショナルストアとベクトルインデックスの件数が一致しない場合のエラー
	ErrIndexOutOfSync = errors.New("vector index out of sync")
)
