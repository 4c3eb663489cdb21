// Package config 负责加载 relayd 的 JSON 配置文件并填充默认值。
// 敏感信息（代付方私钥、LLM API Key）不允许写入配置文件，只能通过
// 环境变量间接引用。
package config
