package catalog

import "context"

// Repository はスキーマと作業例のリレーショナルストアへのポート
// 見つからない場合は ErrNotFound、型名の重複は ErrSchemaConflict を返す
type Repository interface {
	CreateSchema(ctx context.Context, s *Schema) (*Schema, error)
	GetSchema(ctx context.Context, id int64) (*Schema, error)
	GetSchemaByType(ctx context.Context, schemaType string) (*Schema, error)
	ListSchemas(ctx context.Context, params ListParams) ([]*Schema, error)
	UpdateSchema(ctx context.Context, s *Schema) (*Schema, error)
	DeleteSchema(ctx context.Context, id int64) error

	CreateExample(ctx context.Context, e *Example) (*Example, error)
	GetExample(ctx context.Context, id int64) (*Example, error)
	ListExamples(ctx context.Context, filter ExampleFilter) ([]*Example, error)
	UpdateExample(ctx context.Context, e *Example) (*Example, error)
	DeleteExample(ctx context.Context, id int64) error
}

// Store はトランザクション境界を提供する Repository
// WithinTx は fn が成功すればコミット、エラーならロールバックする
type Store interface {
	Repository
	WithinTx(ctx context.Context, fn func(repo Repository) error) error
}
