package payment

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	xerrors "X402-Relay/internal/errors"
)

// HeaderName 是承载付款证明的请求头。
const HeaderName = "X-PAYMENT"

// ResponseHeaderName 是承载结算摘要的响应头。
const ResponseHeaderName = "X-PAYMENT-RESPONSE"

// HeaderCodec 负责 X-PAYMENT 头的编解码。默认只接受严格的 base64(JSON)。
// AllowRelaxed 开启后额外接受单引号等宽松写法，仅作为兼容旧客户端的
// 过渡开关，协议契约始终是严格 JSON。
type HeaderCodec struct {
	AllowRelaxed bool
}

// Decode 解析 X-PAYMENT 头为付款证明信封。
func (c HeaderCodec) Decode(header string) (*Payload, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, xerrors.New(xerrors.CodeMalformedProof, "empty X-PAYMENT header")
	}

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedProof, err, "X-PAYMENT header is not valid base64")
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		if !c.AllowRelaxed {
			return nil, xerrors.Wrap(xerrors.CodeMalformedProof, err, "X-PAYMENT header is not valid JSON")
		}
		relaxed := relaxLiteral(string(raw))
		if relaxErr := json.Unmarshal([]byte(relaxed), &payload); relaxErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeMalformedProof, err, "X-PAYMENT header is not decodable")
		}
	}

	if payload.Scheme == "" {
		return nil, xerrors.New(xerrors.CodeMalformedProof, "payment payload missing scheme")
	}
	return &payload, nil
}

// EncodeSettlement 把结算摘要编码成 X-PAYMENT-RESPONSE 头的值。
func EncodeSettlement(receipt SettlementReceipt) (string, error) {
	raw, err := json.Marshal(receipt)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "编码结算摘要失败")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// relaxLiteral 把类 Python 字面量的写法归一成 JSON：单引号换双引号，
// True/False/None 换成 JSON 关键字。只做逐字符替换，不处理转义嵌套，
// 解析不动就放弃。
func relaxLiteral(raw string) string {
	var builder strings.Builder
	builder.Grow(len(raw))
	inString := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case ch == '\'':
			builder.WriteByte('"')
			inString = !inString
		case ch == '"':
			builder.WriteByte('"')
			inString = !inString
		case !inString && strings.HasPrefix(raw[i:], "True"):
			builder.WriteString("true")
			i += 3
		case !inString && strings.HasPrefix(raw[i:], "False"):
			builder.WriteString("false")
			i += 4
		case !inString && strings.HasPrefix(raw[i:], "None"):
			builder.WriteString("null")
			i += 3
		default:
			builder.WriteByte(ch)
		}
	}
	return builder.String()
}
