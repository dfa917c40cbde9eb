package llm

import "context"

// CompletionRequest はLLMへの補完リクエスト
type CompletionRequest struct {
	Prompt      string
	Temperature float64
	Model       string // 空の場合はクライアントのデフォルト
	MaxTokens   int
}

// CompletionResponse はLLMからのレスポンス
type CompletionResponse struct {
	Content    string
	TokensUsed int
	Model      string
}

// Client は単一のユーザーメッセージでチャット補完を行うインターフェース
type Client interface {
	GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Embedder はテキスト列をベクトル列に変換するインターフェース
// 戻り値は入力と同じ長さ・同じ順序でなければならない
type Embedder interface {
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
}

// Recorder はプロバイダ呼び出しのメトリクスを記録する
type Recorder interface {
	ObserveProviderCall(op string, success bool, seconds float64)
}

type noopRecorder struct{}

func (noopRecorder) ObserveProviderCall(string, bool, float64) {}

// NoopRecorder は何も記録しない Recorder を返す
func NoopRecorder() Recorder {
	return noopRecorder{}
}
