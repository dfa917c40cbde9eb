package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter はトークン数をカウントする機能を提供する
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は新しいTokenCounterを作成する
// cl100k_baseエンコーディングを使用する
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &TokenCounter{
		encoding: encoding,
	}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// TokenUsage はトークン使用量を表す
type TokenUsage struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}

// CountPromptAndResponse はプロンプトとレスポンスの合計トークン数を返す
func (tc *TokenCounter) CountPromptAndResponse(prompt, response string) TokenUsage {
	promptTokens := tc.CountTokens(prompt)
	responseTokens := tc.CountTokens(response)

	return TokenUsage{
		PromptTokens:   promptTokens,
		ResponseTokens: responseTokens,
		TotalTokens:    promptTokens + responseTokens,
	}
}

// EstimateTokens は文字数からの大まかな推定値を返す
// キリル文字を含むテキストでは約3文字で1トークンとみなす
func EstimateTokens(text string) int {
	return len([]rune(text)) / 3
}
