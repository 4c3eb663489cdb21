package llm

import "context"

// Request 描述发送给大模型的对话上下文。Observation 携带本轮中继工具
// 调用的结构化结果，由大模型转述给用户。
type Request struct {
	Message     string
	Observation string
	History     []HistoryEntry
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 描述一轮历史对话，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Message     string
	Reply       string
	Observation string
	CreatedAt   int64
}
