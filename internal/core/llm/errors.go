package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrProvider は Embedding / LLM プロバイダ呼び出しの失敗を表す
	ErrProvider = errors.New("provider error")

	// ErrRateLimitExceeded はレート制限を超えた場合のエラー
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrMaxRetriesExceeded は最大リトライ回数を超えた場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrEmbeddingCountMismatch は入力件数とベクトル件数が一致しない場合のエラー
	ErrEmbeddingCountMismatch = errors.New("embedding count mismatch")
)

// ProviderError はプロバイダ呼び出しの失敗をラップする
// コアはリトライせず、呼び出し元へそのまま伝播させる
type ProviderError struct {
	Op  string // "embed" or "complete"
	Err error
}

// NewProviderError は新しい ProviderError を作成する
func NewProviderError(op string, err error) *ProviderError {
	return &ProviderError{Op: op, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is により errors.Is(err, ErrProvider) が成立する
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}
